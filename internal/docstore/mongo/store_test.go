package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/rcourtman/pulse-entitlements/internal/docstore"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

func TestSetFieldsOmitsIDAndEmptyFields(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	doc := docstore.Document{
		AccountID:        "acct",
		Tier:             entitlement.TierPremium,
		Status:           entitlement.StatusActive,
		LastUpdated:      now,
		DeviceID:         "device-a",
		ValidationSource: entitlement.SourceServer,
		HasActiveAccess:  true,
		TransactionID:    "tx-1",
	}

	set, err := setFields(doc)
	require.NoError(t, err)

	assert.NotContains(t, set, "_id")
	assert.NotContains(t, set, "expiration_date")
	assert.NotContains(t, set, "product_id")
	assert.Equal(t, "premium", set["tier"])
	assert.Equal(t, "device-a", set["device_id"])
	assert.Equal(t, true, set["has_active_access"])
	assert.Equal(t, "tx-1", set["transaction_id"])
}

func TestUnsetFieldsCoverClearedEntitlement(t *testing.T) {
	unset := unsetFields()
	for _, f := range []string{"tier", "status", "expiration_date", "product_id", "transaction_id", "grace_period_end_date", "cancellation_date"} {
		assert.Contains(t, unset, f)
	}
	assert.NotContains(t, unset, "device_id")
}

func TestSetFieldsCarriesGraceEnd(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	end := now.Add(entitlement.DefaultGracePeriod)
	state := entitlement.SubscriptionState{
		Tier:               entitlement.TierPremium,
		Status:             entitlement.StatusGrace,
		GracePeriodEndDate: &end,
		LastUpdated:        now,
		ValidationSource:   entitlement.SourceServer,
	}

	set, err := setFields(docstore.FromState("acct", "device-a", state, now))
	require.NoError(t, err)
	got, ok := set["grace_period_end_date"].(bson.DateTime)
	require.True(t, ok, "grace end stored as %T", set["grace_period_end_date"])
	assert.True(t, got.Time().Equal(end))

	absent := absentFields(set)
	assert.NotContains(t, absent, "grace_period_end_date")
	assert.Contains(t, absent, "cancellation_date")
	assert.NotContains(t, absent, "tier")
}

func TestPipelinesFilterByAccount(t *testing.T) {
	doc := documentPipeline("acct")
	require.Len(t, doc, 1)
	match, ok := doc[0][0].Value.(bson.M)
	require.True(t, ok)
	assert.Equal(t, "acct", match["documentKey._id"])

	events := webhookPipeline("acct")
	require.Len(t, events, 1)
	match, ok = events[0][0].Value.(bson.M)
	require.True(t, ok)
	assert.Equal(t, "acct", match["fullDocument.account_id"])
	assert.Equal(t, "insert", match["operationType"])
}
