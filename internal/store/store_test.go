package store

import (
	"context"
	"testing"

	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/models"
	testutil "github.com/glefebvre/moviepilot/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptions(t *testing.T) {
	db := testutil.TestDB(t)
	s := New(db)
	ctx := context.Background()

	sub := &models.Subscription{Name: "Dark", Type: models.MediaTypeTV, TMDBID: 70523, Season: 1, TotalEpisode: 10}
	require.NoError(t, s.Subscriptions.Insert(ctx, sub))
	assert.Equal(t, models.SubscriptionStateNew, sub.State)

	found, err := s.Subscriptions.FindByTMDB(ctx, 70523, models.MediaTypeTV, 1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sub.ID, found.ID)

	missing, err := s.Subscriptions.FindByTMDB(ctx, 70523, models.MediaTypeTV, 2)
	require.NoError(t, err)
	assert.Nil(t, missing)

	found.State = models.SubscriptionStateRunning
	found.LackEpisode = 3
	require.NoError(t, s.Subscriptions.Update(ctx, found))
	assert.NotNil(t, found.LastUpdate)

	active, err := s.Subscriptions.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 3, active[0].LackEpisode)

	bySeason, err := s.Subscriptions.ListByTMDB(ctx, 70523, -1)
	require.NoError(t, err)
	assert.Len(t, bySeason, 1)

	require.NoError(t, s.Subscriptions.Delete(ctx, sub.ID))
	_, err = s.Subscriptions.Get(ctx, sub.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestDownloadHistories(t *testing.T) {
	db := testutil.TestDB(t)
	s := New(db)
	ctx := context.Background()

	subID := uint(7)
	require.NoError(t, s.Downloads.Insert(ctx, &models.DownloadHistory{
		DownloadHash: "abc", Type: models.MediaTypeTV, Episodes: models.IntList{1, 2}, SubscriptionID: &subID,
	}))
	require.NoError(t, s.Downloads.Insert(ctx, &models.DownloadHistory{
		DownloadHash: "def", Type: models.MediaTypeTV, Episodes: models.IntList{3}, SubscriptionID: &subID,
	}))

	row, err := s.Downloads.GetByHash(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, models.IntList{1, 2}, row.Episodes)

	rows, err := s.Downloads.ListBySubscription(ctx, subID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	none, err := s.Downloads.GetByHash(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.Downloads.DeleteByHash(ctx, "abc"))
	n, err := s.Downloads.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTransferHistories(t *testing.T) {
	db := testutil.TestDB(t)
	s := New(db)
	ctx := context.Background()

	testutil.CreateTransferHistory(db, func(r *models.TransferHistory) {
		r.DownloadHash = "h1"
		r.Src = "/dl/a.mkv"
		r.TMDBID = 1
		r.Season = 1
		r.Episodes = models.IntList{1}
	})
	testutil.CreateTransferHistory(db, func(r *models.TransferHistory) {
		r.DownloadHash = "h1"
		r.Src = "/dl/b.mkv"
		r.TMDBID = 1
		r.Season = 1
		r.Status = false
	})

	row, err := s.Transfers.GetBySrc(ctx, "h1", "/dl/a.mkv")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Status)

	ok, err := s.Transfers.ListSucceededByTMDB(ctx, 1, 1)
	require.NoError(t, err)
	assert.Len(t, ok, 1)

	all, err := s.Transfers.ListByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTransferTasks(t *testing.T) {
	db := testutil.TestDB(t)
	s := New(db)
	ctx := context.Background()

	task := &models.TransferTask{DownloadHash: "h1", State: models.TransferPending}
	require.NoError(t, s.Tasks.Save(ctx, task))
	require.NoError(t, s.Tasks.Save(ctx, &models.TransferTask{DownloadHash: "h2", State: models.TransferNotified}))

	unfinished, err := s.Tasks.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "h1", unfinished[0].DownloadHash)

	task.State = models.TransferPlaced
	require.NoError(t, s.Tasks.Save(ctx, task))
	got, err := s.Tasks.GetByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, models.TransferPlaced, got.State)

	require.NoError(t, s.Tasks.DeleteByHash(ctx, "h1"))
	got, err = s.Tasks.GetByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPluginEntries_Upsert(t *testing.T) {
	db := testutil.TestDB(t)
	s := New(db)
	ctx := context.Background()

	require.NoError(t, s.Plugins.Put(ctx, "wash", models.PluginNamespaceConfig, "enabled", "true"))
	require.NoError(t, s.Plugins.Put(ctx, "wash", models.PluginNamespaceConfig, "enabled", "false"))
	require.NoError(t, s.Plugins.Put(ctx, "wash", models.PluginNamespaceData, "enabled", "x"))

	v, ok, err := s.Plugins.Get(ctx, "wash", models.PluginNamespaceConfig, "enabled")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", v)

	all, err := s.Plugins.All(ctx, "wash", models.PluginNamespaceConfig)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.Plugins.Delete(ctx, "wash", models.PluginNamespaceConfig, "enabled"))
	_, ok, err = s.Plugins.Get(ctx, "wash", models.PluginNamespaceConfig, "enabled")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterRules(t *testing.T) {
	db := testutil.TestDB(t)
	s := New(db)
	ctx := context.Background()

	rule := testutil.CreateFilterRule(db, "hd", []map[string]string{{"resolution": "1080p"}})
	got, err := s.FilterRules.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "hd", got.Name)

	byName, err := s.FilterRules.GetByName(ctx, "hd")
	require.NoError(t, err)
	require.NotNil(t, byName)

	_, err = s.FilterRules.Get(ctx, 999)
	assert.True(t, errors.IsNotFound(err))
}
