// Package composer はユーザー単位のお知らせフィードを組み立てる。
//
// 受講登録・コースカタログ・既読状態を並行に取得し、受講登録の解決後にのみ
// お知らせプールを取得する。結果は受講コースと有効期限で絞り込み、新しい順に並べ、
// 既読フラグとコース名を付与する。ユーザーが切り替わった場合、旧ユーザーの
// 取得結果は到着しても破棄される。
package composer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/coursefeed/internal/metrics"
	"github.com/hitoshi/coursefeed/internal/model"
	"github.com/hitoshi/coursefeed/internal/unread"
)

// Phase はセッションの状態を表す。
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseLoadingScope Phase = "loading_scope"
	PhaseLoadingFeed  Phase = "loading_feed"
	PhaseReady        Phase = "ready"
	PhaseEmpty        Phase = "empty"
)

// DefaultCatalogWait はコースカタログを待つ既定の上限。
const DefaultCatalogWait = 250 * time.Millisecond

var (
	// ErrNotReady はReady以外の状態で既読操作を行った場合のエラー。
	ErrNotReady = errors.New("feed is not ready")
	// ErrStaleSession は読み込み中に別のセッションへ切り替わった場合のエラー。
	ErrStaleSession = errors.New("session was superseded")
)

// EnrollmentResolver はユーザーの受講コースIDを解決する。失敗時は空を返す。
type EnrollmentResolver interface {
	Resolve(ctx context.Context, userID string) []string
}

// CourseCatalog は全コースを返す。失敗時は空を返す。
type CourseCatalog interface {
	ListAll(ctx context.Context) []model.Course
}

// AnnouncementRepository は全お知らせを返す。失敗時は空を返す。
type AnnouncementRepository interface {
	ListAll(ctx context.Context) []model.Announcement
}

// ReadStateStore はユーザーの既読集合を読み書きする。いずれも失敗を返さない。
type ReadStateStore interface {
	Load(ctx context.Context, userID string) model.ReadSet
	Save(ctx context.Context, userID string, set model.ReadSet)
}

// Deps はComposerの依存関係。
type Deps struct {
	Enrollments   EnrollmentResolver
	Catalog       CourseCatalog
	Announcements AnnouncementRepository
	ReadState     ReadStateStore
	Counter       *unread.Counter
	Logger        *slog.Logger
	Metrics       metrics.MetricsCollector // nil可
	Now           func() time.Time         // nilの場合はtime.Now
	// CatalogWait はReady確定前にコースカタログを待つ上限。0以下はDefaultCatalogWait
	CatalogWait time.Duration
}

// Snapshot はある時点のセッション状態のコピー。
type Snapshot struct {
	SessionID string
	UserID    string
	Phase     Phase
	Entries   []model.FeedEntry
	Unread    int
}

// session は1ユーザー分の読み込み単位。
// Composer.muで保護される。
type session struct {
	id      string
	userID  string
	cancel  context.CancelFunc
	phase   Phase
	entries []model.FeedEntry
	readSet model.ReadSet
}

// Composer はフィードの状態機械。
type Composer struct {
	enrollments   EnrollmentResolver
	catalog       CourseCatalog
	announcements AnnouncementRepository
	readState     ReadStateStore
	counter       *unread.Counter
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	now           func() time.Time
	catalogWait   time.Duration

	mu      sync.Mutex
	current *session
}

// New はComposerを生成する。
func New(deps Deps) *Composer {
	c := &Composer{
		enrollments:   deps.Enrollments,
		catalog:       deps.Catalog,
		announcements: deps.Announcements,
		readState:     deps.ReadState,
		counter:       deps.Counter,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		now:           deps.Now,
		catalogWait:   deps.CatalogWait,
	}
	if c.counter == nil {
		c.counter = unread.NewCounter(0)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.catalogWait <= 0 {
		c.catalogWait = DefaultCatalogWait
	}
	return c
}

// Load はuserIDの新しいセッションを開始し、フィードを組み立てて最終状態を返す。
// 実行中のセッションはキャンセルされ、その結果は破棄される。
// 自身が別のLoadに置き換えられた場合はErrStaleSessionを返す。
//
// 受講コースが無い場合は受講登録の解決だけでEmptyを確定する。コースカタログが
// catalogWait以内に届かない場合はコース情報なしでReadyを確定し、到着後に付与する。
func (c *Composer) Load(ctx context.Context, userID string) (*Snapshot, error) {
	start := time.Now()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// カタログはReady確定後も取得を続けられるよう、呼び出し元のキャンセルから切り離す
	catCtx, catCancel := context.WithCancel(context.WithoutCancel(ctx))
	catalogDetached := false
	defer func() {
		if !catalogDetached {
			catCancel()
		}
	}()

	s := &session{
		id:     uuid.NewString(),
		userID: userID,
		cancel: func() {
			cancel()
			catCancel()
		},
		phase: PhaseLoadingScope,
	}

	c.mu.Lock()
	if prev := c.current; prev != nil && prev.cancel != nil {
		prev.cancel()
	}
	c.current = s
	c.mu.Unlock()

	logger := c.logger.With(
		slog.String("session_id", s.id),
		slog.String("user_id", userID),
	)
	logger.Debug("フィードの読み込みを開始します")

	// 受講登録・コースカタログ・既読状態は順序を問わず並行に取得する
	enrollCh := make(chan []string, 1)
	coursesCh := make(chan []model.Course, 1)
	readCh := make(chan model.ReadSet, 1)

	go func() { enrollCh <- c.enrollments.Resolve(sessCtx, userID) }()
	go func() { coursesCh <- c.catalog.ListAll(catCtx) }()
	go func() { readCh <- c.readState.Load(sessCtx, userID) }()

	var courseIDs []string
	select {
	case courseIDs = <-enrollCh:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		c.abandon(s)
		return nil, err
	}

	if !c.isCurrent(s) {
		return nil, c.discard(logger, "enrollments")
	}

	if len(courseIDs) == 0 {
		// 受講コースが無い場合はお知らせを取得せず、カタログと既読状態も待たない
		snap, ok := c.commit(s, PhaseEmpty, []model.FeedEntry{}, nil)
		if !ok {
			return nil, c.discard(logger, "enrollments")
		}
		logger.Info("受講コースが無いためフィードは空です",
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
		return snap, nil
	}

	if !c.setPhase(s, PhaseLoadingFeed) {
		return nil, c.discard(logger, "enrollments")
	}

	announcements := c.announcements.ListAll(sessCtx)

	// 既読フラグの付与と以後の保存に必要なため、既読状態は到着を待つ
	var readSet model.ReadSet
	select {
	case readSet = <-readCh:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		c.abandon(s)
		return nil, err
	}

	courses, catalogArrived := awaitCatalog(ctx, coursesCh, c.catalogWait)
	if err := ctx.Err(); err != nil {
		c.abandon(s)
		return nil, err
	}

	if !c.isCurrent(s) {
		return nil, c.discard(logger, "announcements")
	}

	if readSet == nil {
		readSet = model.NewReadSet()
	}

	live := FilterLive(announcements, courseIDs, c.now())
	entries := Annotate(SortByRecency(live), readSet, courses)

	snap, ok := c.commit(s, PhaseReady, entries, readSet)
	if !ok {
		return nil, c.discard(logger, "announcements")
	}

	if !catalogArrived {
		catalogDetached = true
		go c.enrichWhenCatalogArrives(catCtx, catCancel, s, coursesCh, logger)
	}

	logger.Info("フィードを構築しました",
		slog.Int("enrolled_courses", len(courseIDs)),
		slog.Int("announcements_total", len(announcements)),
		slog.Int("entries", len(entries)),
		slog.Bool("courses_pending", !catalogArrived),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return snap, nil
}

// enrichWhenCatalogArrives はReady確定後に届いたコースカタログでコース情報を付与する。
// セッションが置き換えられていた場合は何もしない。
func (c *Composer) enrichWhenCatalogArrives(ctx context.Context, cancel context.CancelFunc, s *session, coursesCh <-chan []model.Course, logger *slog.Logger) {
	defer cancel()

	var courses []model.Course
	select {
	case courses = <-coursesCh:
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s || s.phase != PhaseReady {
		return
	}
	s.entries = AttachCourses(s.entries, courses)
	logger.Debug("コース情報を付与しました", slog.Int("courses", len(courses)))
}

// MarkRead はお知らせを既読にする。Ready状態でのみ有効。
// 既読集合への追加は冪等だが、未読カウンタは呼び出しごとに減算する（0未満にはならない）。
// 現在のフィードに含まれないIDも既読集合に追加する。
func (c *Composer) MarkRead(ctx context.Context, announcementID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current
	if s == nil || s.phase != PhaseReady {
		return ErrNotReady
	}

	announcementID = model.NormalizeID(announcementID)
	added := s.readSet.Add(announcementID)
	if added {
		// フィードの再計算は行わず、該当エントリの注釈のみ更新する
		for i := range s.entries {
			if s.entries[i].Announcement.ID == announcementID {
				s.entries[i].IsRead = true
			}
		}
	}

	remaining := c.counter.Decrement()
	if c.metrics != nil {
		c.metrics.RecordMarkRead()
		c.metrics.SetUnreadCount(remaining)
	}

	// 保存はロック内で行い、書き込み順序を既読操作の順序と一致させる
	if added {
		c.readState.Save(ctx, s.userID, s.readSet.Clone())
	}

	c.logger.Debug("お知らせを既読にしました",
		slog.String("session_id", s.id),
		slog.String("user_id", s.userID),
		slog.String("announcement_id", announcementID),
		slog.Bool("newly_read", added),
		slog.Int("unread", remaining),
	)
	return nil
}

// Snapshot は現在のセッション状態のコピーを返す。セッションが無い場合はIdle。
func (c *Composer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return Snapshot{Phase: PhaseIdle, Entries: []model.FeedEntry{}, Unread: c.counter.Value()}
	}
	return c.snapshotLocked(c.current)
}

// Counter は未読カウンタを返す。外部からの初期化に使用する。
func (c *Composer) Counter() *unread.Counter {
	return c.counter
}

func (c *Composer) snapshotLocked(s *session) Snapshot {
	entries := make([]model.FeedEntry, len(s.entries))
	copy(entries, s.entries)
	return Snapshot{
		SessionID: s.id,
		UserID:    s.userID,
		Phase:     s.phase,
		Entries:   entries,
		Unread:    c.counter.Value(),
	}
}

func (c *Composer) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

func (c *Composer) setPhase(s *session, phase Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s {
		return false
	}
	s.phase = phase
	return true
}

// commit はセッションが現在のものである場合のみ最終状態を書き込む。
func (c *Composer) commit(s *session, phase Phase, entries []model.FeedEntry, readSet model.ReadSet) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != s {
		return nil, false
	}
	s.phase = phase
	s.entries = entries
	s.readSet = readSet
	if s.readSet == nil {
		s.readSet = model.NewReadSet()
	}

	if c.metrics != nil {
		c.metrics.SetFeedEntries(len(entries))
	}

	snap := c.snapshotLocked(s)
	return &snap, true
}

// awaitCatalog はコースカタログの到着を最大waitだけ待つ。
// 期限内に届かなかった場合はfalseを返す。
func awaitCatalog(ctx context.Context, coursesCh <-chan []model.Course, wait time.Duration) ([]model.Course, bool) {
	select {
	case courses := <-coursesCh:
		return courses, true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case courses := <-coursesCh:
		return courses, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// abandon は呼び出し元のキャンセルにより中断したセッションをIdleに戻す。
func (c *Composer) abandon(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		s.phase = PhaseIdle
	}
}

// discard は置き換えられたセッションの結果を破棄したことを記録する。
func (c *Composer) discard(logger *slog.Logger, stage string) error {
	logger.Warn("ユーザーが切り替わったため取得結果を破棄しました",
		slog.String("stage", stage),
	)
	if c.metrics != nil {
		c.metrics.RecordStaleDiscard(stage)
	}
	return ErrStaleSession
}
