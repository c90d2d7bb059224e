package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// SearchCounter implements entitlements.SearchCounter over the ai_searches
// collection. Enforcement counts documents in non-terminal states on every
// check: a search deleted out from under the engine frees its slot with no
// bookkeeping.
type SearchCounter struct {
	searches *mongo.Collection
}

// NewSearchCounter creates the live search counter.
func NewSearchCounter(client *Client) *SearchCounter {
	return &SearchCounter{searches: client.db.Collection(searchesCollection)}
}

// CountActiveSearches implements entitlements.SearchCounter.
func (s *SearchCounter) CountActiveSearches(ctx context.Context, userID string) (int, error) {
	states := make([]string, 0, len(entitlements.ActiveSearchStates))
	for _, st := range entitlements.ActiveSearchStates {
		states = append(states, string(st))
	}

	n, err := s.searches.CountDocuments(ctx, bson.M{
		"user_id": userID,
		"status":  bson.M{"$in": states},
	})
	if err != nil {
		return 0, fmt.Errorf("count active searches: %w", err)
	}
	return int(n), nil
}
