package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// ProfileStore implements entitlements.ProfileStore over the users
// collection. The subscription lives as a subdocument on the profile; it is
// a replica of the relational row, never the canonical copy.
type ProfileStore struct {
	users *mongo.Collection
}

// NewProfileStore creates the profile store.
func NewProfileStore(client *Client) *ProfileStore {
	return &ProfileStore{users: client.db.Collection(usersCollection)}
}

// subscriptionDoc is the persisted shape of the subscription subdocument.
type subscriptionDoc struct {
	PlanTier           string     `bson:"plan_tier"`
	Status             string     `bson:"status"`
	CustomerID         string     `bson:"customer_id,omitempty"`
	SubscriptionID     string     `bson:"subscription_id,omitempty"`
	CurrentPeriodStart *time.Time `bson:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `bson:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `bson:"cancel_at_period_end"`
	TrialEnd           *time.Time `bson:"trial_end,omitempty"`
	ProviderUpdatedAt  time.Time  `bson:"provider_updated_at"`
	UpdatedAt          time.Time  `bson:"updated_at"`
}

type profileDoc struct {
	UserID       string           `bson:"_id"`
	Subscription *subscriptionDoc `bson:"subscription,omitempty"`
	SearchUsage  struct {
		ActiveSearches int `bson:"active_searches"`
	} `bson:"search_usage"`
}

// GetProfileSubscription implements entitlements.ProfileStore.
func (s *ProfileStore) GetProfileSubscription(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	var doc profileDoc
	err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, entitlements.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("profile lookup: %w", err)
	}
	if doc.Subscription == nil {
		return nil, entitlements.ErrSubscriptionNotFound
	}
	return docToRecord(userID, doc.Subscription), nil
}

// SetProfileSubscription implements entitlements.ProfileStore. The profile
// document is created when absent so a webhook arriving before first login
// still lands.
func (s *ProfileStore) SetProfileSubscription(ctx context.Context, rec *entitlements.SubscriptionRecord) error {
	doc := recordToDoc(rec)
	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": rec.UserID},
		bson.M{"$set": bson.M{"subscription": doc}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("profile subscription write: %w", err)
	}
	return nil
}

// SyncSlotUsageDisplay implements entitlements.ProfileStore. The write is
// conditional on the stored value differing, so the common no-drift case
// reports cleanly without a modification.
func (s *ProfileStore) SyncSlotUsageDisplay(ctx context.Context, userID string, active int) (bool, error) {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID, "search_usage.active_searches": bson.M{"$ne": active}},
		bson.M{"$set": bson.M{"search_usage.active_searches": active}})
	if err != nil {
		return false, fmt.Errorf("slot display sync: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func recordToDoc(rec *entitlements.SubscriptionRecord) *subscriptionDoc {
	doc := &subscriptionDoc{
		PlanTier:          string(rec.PlanTier),
		Status:            string(rec.Status),
		CustomerID:        rec.CustomerID,
		SubscriptionID:    rec.SubscriptionID,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		TrialEnd:          rec.TrialEnd,
		ProviderUpdatedAt: rec.ProviderUpdatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	if !rec.CurrentPeriodStart.IsZero() {
		t := rec.CurrentPeriodStart
		doc.CurrentPeriodStart = &t
	}
	if !rec.CurrentPeriodEnd.IsZero() {
		t := rec.CurrentPeriodEnd
		doc.CurrentPeriodEnd = &t
	}
	return doc
}

func docToRecord(userID string, doc *subscriptionDoc) *entitlements.SubscriptionRecord {
	rec := &entitlements.SubscriptionRecord{
		UserID:            userID,
		PlanTier:          entitlements.PlanTier(doc.PlanTier),
		Status:            entitlements.SubscriptionStatus(doc.Status),
		CustomerID:        doc.CustomerID,
		SubscriptionID:    doc.SubscriptionID,
		CancelAtPeriodEnd: doc.CancelAtPeriodEnd,
		TrialEnd:          doc.TrialEnd,
		ProviderUpdatedAt: doc.ProviderUpdatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
	}
	if doc.CurrentPeriodStart != nil {
		rec.CurrentPeriodStart = doc.CurrentPeriodStart.UTC()
	}
	if doc.CurrentPeriodEnd != nil {
		rec.CurrentPeriodEnd = doc.CurrentPeriodEnd.UTC()
	}
	if doc.TrialEnd != nil {
		t := doc.TrialEnd.UTC()
		rec.TrialEnd = &t
	}
	return rec
}
