// Package firestore wraps the Firestore client with typed collection
// accessors for the tracker's data model.
package firestore

import (
	"fmt"
	"net/url"

	"cloud.google.com/go/firestore"

	shared "github.com/rolandd/midpen-tracker/pkg"
	"github.com/rolandd/midpen-tracker/pkg/types"
)

type Client struct {
	fs *firestore.Client
}

func NewClient(client *firestore.Client) *Client {
	return &Client{fs: client}
}

func (c *Client) Close() error {
	return c.fs.Close()
}

// Raw exposes the underlying client for queries and transactions.
func (c *Client) Raw() *firestore.Client {
	return c.fs
}

// Users is a top-level collection: users/{athlete_id}
func (c *Client) Users() *Collection[types.User] {
	return &Collection[types.User]{Ref: c.fs.Collection(shared.CollectionUsers)}
}

// Tokens is a top-level collection: tokens/{athlete_id}
// Holds KMS-encrypted OAuth credentials only.
func (c *Client) Tokens() *Collection[types.CredentialRecord] {
	return &Collection[types.CredentialRecord]{Ref: c.fs.Collection(shared.CollectionTokens)}
}

// Activities is a top-level collection: activities/{activity_id}
// The document id is the Strava activity id, which makes writes idempotent
// under task redelivery.
func (c *Client) Activities() *Collection[types.Activity] {
	return &Collection[types.Activity]{Ref: c.fs.Collection(shared.CollectionActivities)}
}

// ActivityPreserves is a top-level join collection:
// activity_preserves/{activity_id}_{preserve_name}
func (c *Client) ActivityPreserves() *Collection[types.ActivityPreserve] {
	return &Collection[types.ActivityPreserve]{Ref: c.fs.Collection(shared.CollectionActivityPreserves)}
}

// UserStats is a top-level collection: user_stats/{athlete_id}
func (c *Client) UserStats() *Collection[types.UserStats] {
	return &Collection[types.UserStats]{Ref: c.fs.Collection(shared.CollectionUserStats)}
}

// ActivityPreserveDocID builds the join document id. The preserve name is
// URL-escaped because Firestore forbids "/" in document ids.
func ActivityPreserveDocID(activityID int64, preserveName string) string {
	return fmt.Sprintf("%d_%s", activityID, url.QueryEscape(preserveName))
}

// AthleteDocID converts an athlete id to a document id.
func AthleteDocID(athleteID int64) string {
	return fmt.Sprintf("%d", athleteID)
}

// ActivityDocID converts an activity id to a document id.
func ActivityDocID(activityID int64) string {
	return fmt.Sprintf("%d", activityID)
}
