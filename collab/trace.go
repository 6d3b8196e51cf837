package collab

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// guard for background goroutines such as the liveness and lock expiry
// sweeps. a panic in one pass is logged and suppressed so that the next
// scheduled pass still runs.
func HandleError(do func(), handlers ...func(error)) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

func Trace(tag string, do func()) {
	start := time.Now()
	glog.V(2).Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	do()
	end := time.Now()
	glog.V(2).Infof("[%-8s]%s (%dms)\n", "end", tag, end.Sub(start).Milliseconds())
}
