package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/breakoutsim/internal/blob/s3"
	"github.com/alanyoungcy/breakoutsim/internal/feed"
	"github.com/alanyoungcy/breakoutsim/internal/session"
)

func TestStrategyParams(t *testing.T) {
	t.Parallel()
	loc, err := session.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	p, err := strategyParams("09:15", 15, "09:15", "09:45", "15:15", loc)
	require.NoError(t, err)
	assert.Equal(t, session.MustClock("09:30"), p.ReferenceBar)
	assert.Equal(t, session.MustClock("15:15"), p.SquareOff)
	assert.True(t, p.SquareOffSet)
	assert.Equal(t, loc, p.Location)

	p, err = strategyParams("09:15", 5, "09:15", "09:45", "", loc)
	require.NoError(t, err)
	assert.Equal(t, session.MustClock("09:20"), p.ReferenceBar)
	assert.False(t, p.SquareOffSet)

	_, err = strategyParams("9h15", 15, "09:15", "09:45", "", loc)
	assert.Error(t, err)
	_, err = strategyParams("09:15", 15, "09:15", "09:45", "late", loc)
	assert.Error(t, err)
}

func TestReplayRequest(t *testing.T) {
	t.Parallel()
	loc, err := session.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	req, err := replayRequest("TCS", "2024-01-02", "2024-01-05", 30, loc)
	require.NoError(t, err)
	assert.Equal(t, "TCS", req.Symbol)
	assert.Equal(t, 30.0, req.Speed)
	assert.True(t, time.Date(2024, 1, 2, 0, 0, 0, 0, loc).Equal(req.From))
	assert.True(t, time.Date(2024, 1, 6, 0, 0, 0, 0, loc).Equal(req.To))

	req, err = replayRequest("", "", "", 60, loc)
	require.NoError(t, err)
	assert.True(t, req.From.IsZero())
	assert.True(t, req.To.IsZero())

	_, err = replayRequest("", "tomorrow", "", 60, loc)
	assert.Error(t, err)
}

func TestReplaySourceFallback(t *testing.T) {
	t.Parallel()
	assert.Nil(t, replaySource("store", &Dependencies{}))
	assert.Nil(t, replaySource("archive", &Dependencies{}))

	ar := &s3blob.ArchiveReader{}
	deps := &Dependencies{ArchiveReader: ar}
	assert.Equal(t, feed.BarRanger(ar), replaySource("archive", deps))
	assert.Equal(t, feed.BarRanger(ar), replaySource("store", deps))
}
