package anomaly

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/db/dbtest"
	"github.com/iRazvan2745/glare/internal/store"
)

// captureNotifier records the events handed to it.
type captureNotifier struct {
	events []*db.BackupEvent
}

func (n *captureNotifier) EventCreated(_ context.Context, event *db.BackupEvent) {
	n.events = append(n.events, event)
}

type fixture struct {
	db       *gorm.DB
	detector *Detector
	notified *captureNotifier
	userID   uuid.UUID
	policyID uuid.UUID
	repoID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.Open(t)
	policyID := uuid.New()
	notified := &captureNotifier{}
	return &fixture{
		db: database,
		detector: NewDetector(
			store.NewMetricStore(database),
			store.NewAnomalyStore(database),
			store.NewEventStore(database),
			notified,
			zap.NewNop(),
		),
		notified: notified,
		userID:   uuid.New(),
		policyID: policyID,
		repoID:   uuid.New(),
	}
}

// addMetric inserts a metric row. Rows are created in call order, so ids are
// chronologically increasing and ListPrior sees earlier calls as prior.
func (f *fixture) addMetric(t *testing.T, bytesAdded int64) *db.BackupRunMetric {
	t.Helper()
	metric := &db.BackupRunMetric{
		RunID:        uuid.New(),
		UserID:       f.userID,
		PolicyID:     &f.policyID,
		RepositoryID: f.repoID,
		BytesAdded:   bytesAdded,
	}
	require.NoError(t, f.db.Create(metric).Error)
	return metric
}

func (f *fixture) openAnomalies(t *testing.T) []db.BackupSizeAnomaly {
	t.Helper()
	var rows []db.BackupSizeAnomaly
	require.NoError(t, f.db.Where("status = ?", db.EventStatusOpen).Find(&rows).Error)
	return rows
}

func TestOutlierOpensAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, v := range []int64{100, 102, 101, 99, 100, 98, 103, 100, 101, 100} {
		f.addMetric(t, v)
	}
	outlier := f.addMetric(t, 600)

	opened, err := f.detector.Evaluate(ctx, outlier)
	require.NoError(t, err)
	require.NotNil(t, opened)

	rows := f.openAnomalies(t)
	require.Len(t, rows, 1)
	require.Equal(t, int64(100), rows[0].ExpectedBytes)
	require.Equal(t, int64(600), rows[0].ActualBytes)
	require.Equal(t, db.AnomalyLarger, rows[0].Reason)
	require.Equal(t, db.SeverityError, rows[0].Severity)
	require.GreaterOrEqual(t, rows[0].DeviationScore, 6.0)

	var events []db.BackupEvent
	require.NoError(t, f.db.Where("type = ?", db.EventBackupSizeAnomaly).Find(&events).Error)
	require.Len(t, events, 1)
	require.EqualValues(t, 100, events[0].Details["expectedBytes"])
	require.EqualValues(t, 600, events[0].Details["actualBytes"])

	// The persisted event reaches the notifier like every other emitter's.
	require.Len(t, f.notified.events, 1)
	require.Equal(t, db.EventBackupSizeAnomaly, f.notified.events[0].Type)
	require.Equal(t, events[0].ID, f.notified.events[0].ID)
}

func TestNormalRunDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, v := range []int64{100, 102, 101, 99, 100, 98} {
		f.addMetric(t, v)
	}
	normal := f.addMetric(t, 101)

	opened, err := f.detector.Evaluate(ctx, normal)
	require.NoError(t, err)
	require.Nil(t, opened)
	require.Empty(t, f.notified.events)
}

func TestShortSeriesMakesNoDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, v := range []int64{100, 101, 99, 100} {
		f.addMetric(t, v)
	}
	outlier := f.addMetric(t, 100000)

	opened, err := f.detector.Evaluate(ctx, outlier)
	require.NoError(t, err)
	require.Nil(t, opened)
	require.Empty(t, f.openAnomalies(t))
}

func TestZeroByteSamplesAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Four positive samples plus noise that must not count toward the
	// minimum series length.
	for _, v := range []int64{100, 0, 101, 0, 99, 100, 0} {
		f.addMetric(t, v)
	}
	outlier := f.addMetric(t, 100000)

	opened, err := f.detector.Evaluate(ctx, outlier)
	require.NoError(t, err)
	require.Nil(t, opened)
	require.Empty(t, f.openAnomalies(t))
}

func TestNormalRunResolvesOpenAnomalies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, v := range []int64{100, 102, 101, 99, 100, 98, 103, 100, 101, 100} {
		f.addMetric(t, v)
	}
	outlier := f.addMetric(t, 600)
	_, err := f.detector.Evaluate(ctx, outlier)
	require.NoError(t, err)
	require.Len(t, f.openAnomalies(t), 1)

	normal := f.addMetric(t, 101)
	opened, err := f.detector.Evaluate(ctx, normal)
	require.NoError(t, err)
	require.Nil(t, opened)
	require.Empty(t, f.openAnomalies(t))

	var resolved []db.BackupSizeAnomaly
	require.NoError(t, f.db.Where("status = ?", db.EventStatusResolved).Find(&resolved).Error)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].ResolvedAt)
}

func TestModerateDeviationIsWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// MAD = 1, median = 100; 105 scores 5.0, between the two thresholds.
	for _, v := range []int64{100, 102, 101, 99, 100, 98, 103, 100, 101, 100} {
		f.addMetric(t, v)
	}
	moderate := f.addMetric(t, 105)

	_, err := f.detector.Evaluate(ctx, moderate)
	require.NoError(t, err)

	rows := f.openAnomalies(t)
	require.Len(t, rows, 1)
	require.Equal(t, db.SeverityWarning, rows[0].Severity)
}

func TestRepositoryScopedSeriesWhenNoPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	add := func(bytesAdded int64) *db.BackupRunMetric {
		metric := &db.BackupRunMetric{
			RunID:        uuid.New(),
			UserID:       f.userID,
			RepositoryID: f.repoID,
			BytesAdded:   bytesAdded,
		}
		require.NoError(t, f.db.Create(metric).Error)
		return metric
	}

	for _, v := range []int64{100, 102, 101, 99, 100, 98} {
		add(v)
	}
	outlier := add(900)

	opened, err := f.detector.Evaluate(ctx, outlier)
	require.NoError(t, err)
	require.NotNil(t, opened)

	rows := f.openAnomalies(t)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0].PolicyID)
}
