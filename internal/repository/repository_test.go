package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/m2tx/voice_agent/internal/agent"
	"github.com/m2tx/voice_agent/internal/model"
)

var (
	_ ProfileRepository    = (*MongoProfileRepository)(nil)
	_ ProfileRepository    = (*MemoryRepository)(nil)
	_ ActionRepository     = (*MongoActionRepository)(nil)
	_ ActionRepository     = (*MemoryRepository)(nil)
	_ agent.ActionRecorder = (*MongoActionRepository)(nil)
	_ agent.ActionRecorder = (*MemoryRepository)(nil)
)

func TestMongoProfileRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("latest", func(mt *mtest.T) {
		repo := NewMongoProfileRepository(mt.DB, "")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "rec1"},
			{Key: "caller", Value: "+15550100"},
			{Key: "sys_prompt", Value: "You are Ava."},
			{Key: "language", Value: "en-US"},
		}))

		p, err := repo.Latest(context.Background())
		require.NoError(mt, err)
		require.NotNil(mt, p)
		assert.Equal(mt, "rec1", p.ID)
		assert.Equal(mt, "You are Ava.", p.SystemPrompt)
		assert.Equal(mt, []string{"You are Ava."}, p.Instructions())
	})

	mt.Run("caller without profile", func(mt *mtest.T) {
		repo := NewMongoProfileRepository(mt.DB, "profiles")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.profiles", mtest.FirstBatch))

		p, err := repo.FindByCaller(context.Background(), "+15550199")
		require.NoError(mt, err)
		assert.Nil(mt, p)
	})

	mt.Run("save", func(mt *mtest.T) {
		repo := NewMongoProfileRepository(mt.DB, "profiles")
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		p := &model.Profile{ID: "rec2", Caller: "+15550100"}
		require.NoError(mt, repo.Save(context.Background(), p))
		assert.False(mt, p.UpdatedAt.IsZero())

		assert.Error(mt, repo.Save(context.Background(), &model.Profile{}))
	})

	mt.Run("save error", func(mt *mtest.T) {
		repo := NewMongoProfileRepository(mt.DB, "profiles")
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11000,
			Message: "duplicate key",
		}))

		err := repo.Save(context.Background(), &model.Profile{ID: "rec3"})
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), `repository: upsert profile "rec3"`)
	})
}

func TestMongoActionRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("record", func(mt *mtest.T) {
		repo := NewMongoActionRepository(mt.DB, "")
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		err := repo.RecordAction(context.Background(), model.ActionRecord{
			SessionID: "CA1",
			Name:      "getWeather",
			Result:    "sunny",
			At:        time.Now(),
		})
		require.NoError(mt, err)
	})

	mt.Run("list", func(mt *mtest.T) {
		repo := NewMongoActionRepository(mt.DB, "actions")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.actions", mtest.FirstBatch,
			bson.D{{Key: "session_id", Value: "CA1"}, {Key: "name", Value: "getWeather"}, {Key: "turn", Value: 1}},
			bson.D{{Key: "session_id", Value: "CA1"}, {Key: "name", Value: "findHotelRoom"}, {Key: "turn", Value: 2}},
		))

		records, err := repo.ListBySession(context.Background(), "CA1")
		require.NoError(mt, err)
		require.Len(mt, records, 2)
		assert.Equal(mt, "findHotelRoom", records[1].Name)
		assert.Equal(mt, 2, records[1].Turn)
	})
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	p, err := repo.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, &model.Profile{ID: "a", Caller: "+1", Language: "en-US", UpdatedAt: t0}))
	require.NoError(t, repo.Save(ctx, &model.Profile{ID: "b", Caller: "+2", Language: "es-ES", UpdatedAt: t0.Add(time.Hour)}))
	require.NoError(t, repo.Save(ctx, &model.Profile{ID: "c", Caller: "+1", Language: "fr-FR", UpdatedAt: t0.Add(time.Minute)}))

	p, err = repo.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)

	p, err = repo.FindByCaller(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, "c", p.ID)

	p, err = repo.FindByCaller(ctx, "+3")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, repo.RecordAction(ctx, model.ActionRecord{SessionID: "s1", Name: "x"}))
	require.NoError(t, repo.RecordAction(ctx, model.ActionRecord{SessionID: "s2", Name: "y"}))
	records, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "x", records[0].Name)
}
