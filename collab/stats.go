package collab

import (
	"context"
)

type DocumentStatistics struct {
	DocumentId     string `json:"document_id"`
	DocumentType   string `json:"document_type"`
	ActiveSessions int    `json:"active_sessions"`
	ActiveLocks    int    `json:"active_locks"`
	OperationCount int64  `json:"operation_count"`
	OpenConflicts  int    `json:"open_conflicts"`
}

// requires view permission. assembled from authoritative store reads,
// never from broadcast state
func (self *Service) Statistics(ctx context.Context, userId Id, doc DocRef) (*DocumentStatistics, error) {
	sessions, err := self.sessions.ListActive(ctx, userId, doc)
	if err != nil {
		return nil, err
	}
	locks, err := self.locks.List(ctx, doc)
	if err != nil {
		return nil, err
	}
	operationCount, err := self.operations.Count(ctx, doc)
	if err != nil {
		return nil, internalError(err)
	}
	openConflicts, err := self.conflicts.CountOpen(ctx, doc)
	if err != nil {
		return nil, err
	}
	return &DocumentStatistics{
		DocumentId:     doc.DocumentId,
		DocumentType:   doc.DocumentType,
		ActiveSessions: len(sessions),
		ActiveLocks:    len(locks),
		OperationCount: operationCount,
		OpenConflicts:  openConflicts,
	}, nil
}
