package telegram

import (
	"context"
	"fmt"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"gorm.io/gorm"

	"github.com/marchenkov/audience-os/internal/config"
)

// NewPersistentClient creates a telegram client that uses the credential's
// session database for storage. Session updates (auth key refreshes) are
// persisted back automatically.
func NewPersistentClient(_ context.Context, cred config.Credential, db *gorm.DB) (*gotgproto.Client, error) {
	clientOpts := &gotgproto.ClientOpts{
		Session:          sessionMaker.SqlSession(db.Dialector),
		DisableCopyright: true,
		InMemory:         false,
	}

	client, err := gotgproto.NewClient(
		cred.APIID,
		cred.APIHash,
		gotgproto.ClientTypePhone(""), // empty = restore from stored session
		clientOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram client for %s: %w", cred.ID, err)
	}

	return client, nil
}
