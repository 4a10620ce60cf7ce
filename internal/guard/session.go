package guard

import (
	"context"
	"strings"

	"github.com/developingchet/cascade-guard/internal/backend"
	"github.com/developingchet/cascade-guard/internal/optimistic"
	"github.com/developingchet/cascade-guard/internal/security"
	"github.com/rs/zerolog"
)

// sessionSource adapts the backend session endpoint to the policy store.
type sessionSource struct {
	api backend.API
}

func (s sessionSource) RefreshSession(ctx context.Context) (security.Grant, error) {
	sess, err := s.api.RefreshSession(ctx)
	if err != nil {
		return security.Grant{}, err
	}
	return security.Grant{
		UserID:        sess.UserID,
		Role:          security.Role(strings.ToLower(strings.TrimSpace(sess.Role))),
		ValidUntil:    sess.ValidUntil,
		OwnedEntities: sess.OwnedEntities,
	}, nil
}

// noticeLog reports cache notices through the logger. Persistent warnings
// stay at warn level until the refresh flag is cleared.
type noticeLog struct {
	log zerolog.Logger
}

func (n noticeLog) Notify(notice optimistic.Notice) {
	e := n.log.Info()
	if notice.Level == "warning" {
		e = n.log.Warn()
	}
	e.Str("operation_id", notice.OperationID).Bool("persistent", notice.Persistent).Msg(notice.Message)
}
