package client

import (
	"context"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/BaSui01/meshforge/api"
	"github.com/BaSui01/meshforge/types"
)

// WatchJob subscribes to the job's WebSocket stream and reports every
// snapshot until the job is terminal. It is the push counterpart of Poll.
func WatchJob(ctx context.Context, baseURL, jobID string, onProgress ProgressFunc) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	wsURL, err := watchURL(baseURL, jobID)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "invalid base url").WithCause(err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		return nil, types.NewError(types.ErrUnavailable, "watch connection failed").WithCause(err).WithRetryable(true)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxResponseBytes)

	var tracker ProgressTracker
	for n := 1; ; n++ {
		var ev api.WatchEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, contextError(ctxErr)
			}
			return nil, types.NewError(types.ErrUnavailable, "watch stream closed before the job finished").
				WithCause(err).
				WithRetryable(true)
		}

		switch ev.Type {
		case api.WatchEventError:
			if ev.Error == nil {
				return nil, types.NewError(types.ErrInternalError, "watch stream reported an error")
			}
			return nil, types.NewError(types.ErrorCode(ev.Error.Code), ev.Error.Message)
		case api.WatchEventSnapshot:
			if ev.Job == nil {
				continue
			}
			progress := tracker.Observe(ev.Job.Status)
			if onProgress != nil {
				onProgress(Update{Attempt: n, Status: ev.Job.Status, Progress: progress, Job: ev.Job})
			}
			if ev.Job.IsTerminal() {
				conn.Close(websocket.StatusNormalClosure, "")
				return ev.Job, nil
			}
		}
	}
}

// watchURL maps http(s)://host to ws(s)://host/api/v1/jobs/{id}/watch.
func watchURL(baseURL, jobID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String() + api.JobsPath + "/" + url.PathEscape(jobID) + "/watch", nil
}
