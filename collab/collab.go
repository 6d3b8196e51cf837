package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// coordinates many concurrent editors on a single document
// authoritative state (locks, sequence counters, conflicts) lives in the
// shared store so that correctness does not depend on which process
// received a request

// comparable
type DocRef struct {
	DocumentId   string
	DocumentType string
}

func NewDocRef(documentId string, documentType string) DocRef {
	if documentType == "" {
		documentType = DefaultDocumentType
	}
	return DocRef{
		DocumentId:   documentId,
		DocumentType: documentType,
	}
}

const DefaultDocumentType = "diagram"

func (self DocRef) String() string {
	return fmt.Sprintf("%s:%s", self.DocumentType, self.DocumentId)
}

// ordered scale. a user authorized for a higher action is authorized
// for every lower one
type Action int

const (
	ActionView    Action = 1
	ActionComment Action = 2
	ActionEdit    Action = 3
	ActionAdmin   Action = 4
)

func ParseAction(actionStr string) (Action, error) {
	switch actionStr {
	case "view":
		return ActionView, nil
	case "comment":
		return ActionComment, nil
	case "edit":
		return ActionEdit, nil
	case "admin":
		return ActionAdmin, nil
	default:
		return Action(0), fmt.Errorf("unknown action: %s", actionStr)
	}
}

func (self Action) String() string {
	switch self {
	case ActionView:
		return "view"
	case ActionComment:
		return "comment"
	case ActionEdit:
		return "edit"
	case ActionAdmin:
		return "admin"
	default:
		return fmt.Sprintf("action(%d)", int(self))
	}
}

// normalized role from the external authorization source
type Role string

const (
	RoleNone      Role = ""
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

func (self Role) MaxAction() Action {
	switch self {
	case RoleViewer:
		return ActionView
	case RoleCommenter:
		return ActionComment
	case RoleEditor:
		return ActionEdit
	case RoleAdmin:
		return ActionAdmin
	default:
		return Action(0)
	}
}

func (self Role) Allows(action Action) bool {
	return action <= self.MaxAction()
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
