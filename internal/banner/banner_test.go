package banner_test

//go:generate mockgen -source=banner.go -destination=mocks/mocks.go -package=mocks Submitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"consentry/internal/banner"
	"consentry/internal/banner/mocks"
	"consentry/internal/consent/identity"
	"consentry/internal/consent/metrics"
	"consentry/internal/consent/models"
	"consentry/internal/consent/service"
	"consentry/internal/consent/signals"
	"consentry/internal/consent/store"
	rlservice "consentry/internal/ratelimit/service"
	"consentry/internal/ratelimit/store/bucket"
	"consentry/internal/revision"
	"consentry/pkg/requestcontext"
)

var vocab = models.NewVocabulary(
	[]string{"necessary", "preferences", "statistics", "marketing"},
	[]string{"necessary"},
)

type recordingSink struct {
	mu      sync.Mutex
	vectors []signals.Vector
}

func (s *recordingSink) Apply(_ context.Context, v signals.Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = append(s.vectors, v)
}

func (s *recordingSink) last() signals.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.vectors) == 0 {
		return nil
	}
	return s.vectors[len(s.vectors)-1]
}

// Justification: the banner decides what scripts run before the server
// answers; a wrong transition or a lost identity is visible to every
// visitor.
type MachineSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	submitter  *mocks.MockSubmitter
	sink       *recordingSink
	identities *identity.MemoryStore
	local      *banner.MemoryStore
	ctx        context.Context
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.submitter = mocks.NewMockSubmitter(s.ctrl)
	s.sink = &recordingSink{}
	s.identities = identity.NewMemoryStore()
	s.local = banner.NewMemoryStore()
	s.ctx = context.Background()
}

func (s *MachineSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *MachineSuite) newMachine(cfg banner.Config, opts ...banner.Option) *banner.Machine {
	if cfg.CurrentRevision == 0 {
		cfg.CurrentRevision = 1
	}
	cfg.Vocabulary = vocab
	opts = append([]banner.Option{banner.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return banner.New(cfg, s.sink, s.submitter, s.identities, s.local, opts...)
}

func (s *MachineSuite) TestLoad() {
	s.Run("first visit shows the banner with everything but necessary denied", func() {
		m := s.newMachine(banner.Config{})
		s.Equal(banner.Visible, m.Load(s.ctx, nil))
		v := s.sink.last()
		s.Equal(signals.Denied, v[signals.AnalyticsStorage])
		s.Equal(signals.Denied, v[signals.AdStorage])
		s.Equal(signals.Granted, v[signals.FunctionalityStorage])
		s.Equal(signals.Granted, v[signals.SecurityStorage])
	})

	s.Run("stored decision hides the banner and restores signals", func() {
		s.Require().NoError(s.local.Save(banner.Snapshot{
			ConsentID:    "abc",
			Categories:   models.States{"necessary": true, "statistics": true},
			LastRevision: 1,
		}))
		m := s.newMachine(banner.Config{})
		s.Equal(banner.Hidden, m.Load(s.ctx, nil))
		s.Equal(signals.Granted, s.sink.last()[signals.AnalyticsStorage])
	})

	s.Run("force display overrides a stored decision", func() {
		s.Require().NoError(s.local.Save(banner.Snapshot{ConsentID: "abc", LastRevision: 1}))
		m := s.newMachine(banner.Config{ForceDisplay: true})
		s.Equal(banner.Visible, m.Load(s.ctx, nil))
	})

	s.Run("identity store fills a missing consent id", func() {
		s.local = banner.NewMemoryStore()
		s.Require().NoError(s.identities.Write(identity.Token{ID: "fromcookie"}))
		m := s.newMachine(banner.Config{})
		m.Load(s.ctx, nil)
		s.Equal("fromcookie", m.Snapshot().ConsentID)
	})
}

func (s *MachineSuite) TestAcceptAll() {
	m := s.newMachine(banner.Config{CurrentRevision: 3, Lang: "en"})
	m.Load(s.ctx, nil)

	s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, sub banner.Submission) (*banner.Receipt, error) {
			s.Equal(models.EventAcceptAll, sub.Event)
			s.Equal(3, sub.Revision)
			s.Equal("en", sub.Lang)
			s.True(sub.States["marketing"])
			return &banner.Receipt{ConsentID: "server-id", Rev: 3}, nil
		})

	s.Require().NoError(m.AcceptAll(s.ctx))
	s.Equal(banner.Hidden, m.State())
	s.Equal(signals.Granted, s.sink.last()[signals.AdStorage])

	m.Wait()
	snap := m.Snapshot()
	s.Equal("server-id", snap.ConsentID)
	s.Equal(3, snap.LastRevision)
	s.False(snap.ShouldDisplay)
	s.False(snap.PendingResync)

	tok, ok := s.identities.Read()
	s.Require().True(ok)
	s.Equal(identity.Token{ID: "server-id", Revision: 3}, tok)

	stored, ok := s.local.Load()
	s.Require().True(ok)
	s.Equal("server-id", stored.ConsentID)
}

func (s *MachineSuite) TestRejectAllKeepsNecessary() {
	m := s.newMachine(banner.Config{})
	m.Load(s.ctx, nil)

	s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, sub banner.Submission) (*banner.Receipt, error) {
			s.Equal(models.States{"necessary": true, "preferences": false, "statistics": false, "marketing": false}, sub.States)
			return &banner.Receipt{ConsentID: "id1", Rev: 1}, nil
		})

	s.Require().NoError(m.RejectAll(s.ctx))
	m.Wait()
	s.True(m.Snapshot().Categories["necessary"])
	s.Equal(signals.Denied, s.sink.last()[signals.AnalyticsStorage])
}

func (s *MachineSuite) TestSubmitFailureDoesNotBlockTransition() {
	release := make(chan struct{})
	var handled error
	m := s.newMachine(banner.Config{}, banner.WithErrorHandler(func(err error) { handled = err }))
	m.Load(s.ctx, nil)

	s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, banner.Submission) (*banner.Receipt, error) {
			<-release
			return nil, errors.New("network down")
		})

	s.Require().NoError(m.AcceptAll(s.ctx))
	s.Equal(banner.Hidden, m.State(), "transition happens before the submission finishes")
	s.False(m.Snapshot().PendingResync)

	close(release)
	m.Wait()
	s.True(m.Snapshot().PendingResync)
	s.EqualError(m.Err(), "network down")
	s.EqualError(handled, "network down")

	stored, _ := s.local.Load()
	s.True(stored.PendingResync)
}

func (s *MachineSuite) TestCallbacksMayReadTheMachine() {
	s.Run("error handler reads the failure it was handed", func() {
		seen := make(chan error, 1)
		var m *banner.Machine
		m = s.newMachine(banner.Config{}, banner.WithErrorHandler(func(error) { seen <- m.Err() }))
		m.Load(s.ctx, nil)

		s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
			Return(nil, errors.New("network down"))
		s.Require().NoError(m.AcceptAll(s.ctx))

		select {
		case err := <-seen:
			s.EqualError(err, "network down")
		case <-time.After(2 * time.Second):
			s.FailNow("error handler blocked on the machine")
		}

		done := make(chan struct{})
		go func() {
			m.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.FailNow("submission never finished")
		}
		s.True(m.Snapshot().PendingResync)
	})

	s.Run("signal sink reads the state while applying", func() {
		var m *banner.Machine
		states := make(chan banner.State, 4)
		sink := sinkFunc(func(context.Context, signals.Vector) {
			if m != nil {
				states <- m.State()
			}
		})
		cfg := banner.Config{CurrentRevision: 1, Vocabulary: vocab}
		m = banner.New(cfg, sink, s.submitter, s.identities, banner.NewMemoryStore(),
			banner.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

		s.Equal(banner.Visible, m.Load(s.ctx, nil))
		s.Equal(banner.Visible, <-states)

		s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
			Return(&banner.Receipt{ConsentID: "id1", Rev: 1}, nil)
		s.Require().NoError(m.RejectAll(s.ctx))
		s.Equal(banner.Hidden, <-states)
		m.Wait()
	})
}

type sinkFunc func(context.Context, signals.Vector)

func (f sinkFunc) Apply(ctx context.Context, v signals.Vector) { f(ctx, v) }

func (s *MachineSuite) TestClientMintedIdentity() {
	m := s.newMachine(banner.Config{}, banner.WithGenerator(identity.NewGenerator()))
	m.Load(s.ctx, nil)

	var sent string
	s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, sub banner.Submission) (*banner.Receipt, error) {
			sent = sub.ConsentID
			return &banner.Receipt{ConsentID: sub.ConsentID, Rev: 1}, nil
		})

	s.Require().NoError(m.AcceptAll(s.ctx))
	m.Wait()
	s.Len(sent, 32)
	s.Equal(sent, m.Snapshot().ConsentID)
}

func (s *MachineSuite) TestModal() {
	s.Run("focus is trapped and escape restores prior focus", func() {
		m := s.newMachine(banner.Config{})
		m.Load(s.ctx, nil)

		s.Require().NoError(m.ManagePreferences("manage-button", []string{"statistics", "marketing", "save"}))
		s.Equal(banner.ModalOpen, m.State())
		s.Equal("statistics", m.Focus())
		s.Equal("marketing", m.FocusNext())
		s.Equal("save", m.FocusNext())
		s.Equal("statistics", m.FocusNext())
		s.Equal("save", m.FocusPrev())

		prior, err := m.CloseModal()
		s.Require().NoError(err)
		s.Equal("manage-button", prior)
		s.Equal(banner.Visible, m.State())
		s.Empty(m.Focus())
	})

	s.Run("opening twice is rejected", func() {
		m := s.newMachine(banner.Config{})
		m.Load(s.ctx, nil)
		s.Require().NoError(m.ManagePreferences("x", nil))
		s.ErrorIs(m.ManagePreferences("x", nil), banner.ErrInvalidTransition)
	})

	s.Run("close outside the modal is rejected", func() {
		m := s.newMachine(banner.Config{})
		m.Load(s.ctx, nil)
		_, err := m.CloseModal()
		s.ErrorIs(err, banner.ErrInvalidTransition)
	})

	s.Run("locked and unknown categories cannot be toggled off", func() {
		m := s.newMachine(banner.Config{})
		m.Load(s.ctx, nil)
		s.Require().NoError(m.ManagePreferences("x", nil))
		s.ErrorIs(m.Toggle("necessary", false), banner.ErrLockedCategory)
		s.ErrorIs(m.Toggle("tracking", true), banner.ErrUnknownCategory)
		s.True(m.Choices()["necessary"])
	})
}

func (s *MachineSuite) TestSavePreferences() {
	m := s.newMachine(banner.Config{})
	m.Load(s.ctx, nil)

	s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, sub banner.Submission) (*banner.Receipt, error) {
			s.Equal(models.EventConsent, sub.Event)
			s.Equal(models.States{"necessary": true, "preferences": false, "statistics": true, "marketing": false}, sub.States)
			return &banner.Receipt{ConsentID: "id1", Rev: 1}, nil
		})

	s.Require().NoError(m.ManagePreferences("manage", []string{"statistics"}))
	s.Require().NoError(m.Toggle("statistics", true))
	s.Require().NoError(m.SavePreferences(s.ctx))
	s.Equal(banner.Hidden, m.State())
	s.Empty(m.Focus())
	s.Equal(signals.Granted, s.sink.last()[signals.AnalyticsStorage])
	s.Equal(signals.Denied, s.sink.last()[signals.AdStorage])
	m.Wait()

	s.ErrorIs(m.SavePreferences(s.ctx), banner.ErrInvalidTransition)
}

func (s *MachineSuite) TestDecisionWhileHiddenRequiresRenewal() {
	s.Require().NoError(s.local.Save(banner.Snapshot{ConsentID: "abc", Categories: vocab.AcceptAll(), LastRevision: 2}))

	s.Run("current decision", func() {
		m := s.newMachine(banner.Config{CurrentRevision: 2})
		m.Load(s.ctx, nil)
		s.False(m.NeedsRenewal())
		s.ErrorIs(m.AcceptAll(s.ctx), banner.ErrInvalidTransition)
	})

	s.Run("stale decision can be renewed without a new identity", func() {
		m := s.newMachine(banner.Config{CurrentRevision: 3})
		s.Equal(banner.Hidden, m.Load(s.ctx, nil))
		s.True(m.NeedsRenewal())

		s.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, sub banner.Submission) (*banner.Receipt, error) {
				s.Equal("abc", sub.ConsentID)
				return &banner.Receipt{ConsentID: "abc", Rev: 3}, nil
			})
		s.Require().NoError(m.RejectAll(s.ctx))
		m.Wait()
		s.False(m.NeedsRenewal())
		s.Equal("abc", m.Snapshot().ConsentID)
	})
}

func (s *MachineSuite) TestReconcile() {
	s.Run("server wins when it disagrees", func() {
		s.Require().NoError(s.local.Save(banner.Snapshot{ConsentID: "abc", Categories: vocab.AcceptAll(), LastRevision: 1}))
		m := s.newMachine(banner.Config{})
		state := m.Load(s.ctx, &banner.ServerState{
			ConsentID:       "abc",
			States:          vocab.RejectAll(),
			Rev:             1,
			CurrentRevision: 1,
			Recorded:        true,
		})
		s.Equal(banner.Hidden, state)
		s.False(m.Snapshot().Categories["marketing"])
		s.Equal(signals.Denied, s.sink.last()[signals.AdStorage])
	})

	s.Run("unconfirmed decision missing on the server prompts again", func() {
		s.Require().NoError(s.local.Save(banner.Snapshot{ConsentID: "abc", Categories: vocab.AcceptAll(), LastRevision: 1, PendingResync: true}))
		m := s.newMachine(banner.Config{})
		state := m.Load(s.ctx, &banner.ServerState{ConsentID: "abc", CurrentRevision: 1, ShouldDisplay: true})
		s.Equal(banner.Visible, state)
		snap := m.Snapshot()
		s.False(snap.PendingResync)
		s.Equal("abc", snap.ConsentID)
	})

	s.Run("agreeing state is left alone", func() {
		s.Require().NoError(s.local.Save(banner.Snapshot{ConsentID: "abc", Categories: vocab.AcceptAll(), LastRevision: 1}))
		m := s.newMachine(banner.Config{})
		m.Load(s.ctx, nil)
		applied := len(s.sink.vectors)
		m.Reconcile(s.ctx, banner.ServerState{ConsentID: "abc", States: vocab.AcceptAll(), Rev: 1, CurrentRevision: 1, Recorded: true})
		s.Len(s.sink.vectors, applied)
	})

	s.Run("newer server revision marks the decision stale", func() {
		s.Require().NoError(s.local.Save(banner.Snapshot{ConsentID: "abc", Categories: vocab.AcceptAll(), LastRevision: 1}))
		m := s.newMachine(banner.Config{})
		m.Load(s.ctx, nil)
		m.Reconcile(s.ctx, banner.ServerState{ConsentID: "abc", States: vocab.AcceptAll(), Rev: 1, CurrentRevision: 2, Recorded: true, ShouldDisplay: true})
		s.True(m.NeedsRenewal())
		s.Equal("abc", m.Snapshot().ConsentID)
	})
}

// serviceSubmitter wires the banner straight to the ingestion service.
type serviceSubmitter struct {
	svc *service.Service
	ctx context.Context
}

func (s serviceSubmitter) Submit(_ context.Context, sub banner.Submission) (*banner.Receipt, error) {
	res, err := s.svc.Submit(s.ctx, service.SubmitCommand{
		Event:     string(sub.Event),
		States:    sub.States,
		Lang:      sub.Lang,
		ConsentID: sub.ConsentID,
		Revision:  sub.Revision,
		ClientIP:  "203.0.113.9",
		UserAgent: "banner-test",
	})
	if err != nil {
		return nil, err
	}
	return &banner.Receipt{ConsentID: res.ConsentID, Rev: res.Rev}, nil
}

func toServerState(res *service.StateResult) *banner.ServerState {
	return &banner.ServerState{
		ConsentID:       res.ConsentID,
		States:          res.States,
		Rev:             res.Rev,
		CurrentRevision: res.CurrentRevision,
		ShouldDisplay:   res.ShouldDisplay,
		Recorded:        res.Recorded,
	}
}

func TestStaleRevisionBanner(t *testing.T) {
	ctx := requestcontext.WithTime(context.Background(), time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger := store.NewInMemoryLedger()
	gate, err := revision.New(revision.NewMemoryStore(), revision.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := gate.Bump(ctx); err != nil {
			t.Fatal(err)
		}
	}
	limiter, err := rlservice.New(bucket.NewInMemoryBucketStore(), rlservice.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	svc, err := service.New(ledger, limiter, gate, service.Config{
		Vocabulary: vocab,
		IPHashSalt: []byte("salt"),
	}, service.WithLogger(logger), service.WithMetrics(metrics.NewWithRegisterer(prometheus.NewRegistry())))
	if err != nil {
		t.Fatal(err)
	}

	identities := identity.NewMemoryStore()
	local := banner.NewMemoryStore()
	sink := &recordingSink{}
	submitter := serviceSubmitter{svc: svc, ctx: ctx}

	// First visit at revision 3: accept everything.
	first := banner.New(banner.Config{Vocabulary: vocab, CurrentRevision: 3}, sink, submitter, identities, local, banner.WithLogger(logger))
	if got := first.Load(ctx, nil); got != banner.Visible {
		t.Fatalf("first load state = %s", got)
	}
	if err := first.AcceptAll(ctx); err != nil {
		t.Fatal(err)
	}
	first.Wait()
	if err := first.Err(); err != nil {
		t.Fatal(err)
	}
	consentID := first.Snapshot().ConsentID
	if !identity.Valid(consentID) {
		t.Fatalf("no identity persisted: %q", consentID)
	}

	// The admin bumps the policy.
	rev, err := gate.Bump(ctx)
	if err != nil || rev != 4 {
		t.Fatalf("bump = %d, %v", rev, err)
	}

	// Next page load.
	state, err := svc.State(ctx, service.StateQuery{ConsentID: consentID})
	if err != nil {
		t.Fatal(err)
	}
	next := banner.New(banner.Config{Vocabulary: vocab, CurrentRevision: state.CurrentRevision}, sink, submitter, identities, local, banner.WithLogger(logger))
	next.Load(ctx, toServerState(state))

	if !next.NeedsRenewal() {
		t.Fatal("stale-revision banner not shown")
	}
	if got := next.Snapshot().ConsentID; got != consentID {
		t.Fatalf("consent id changed: %q != %q", got, consentID)
	}

	latest, err := ledger.FindLatestByConsentID(ctx, consentID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Event != models.EventAcceptAll || latest.Rev != 3 || !latest.States["marketing"] {
		t.Fatalf("ledger changed: %+v", latest)
	}
	n, err := ledger.Count(ctx, models.Filter{Search: consentID})
	if err != nil || n != 1 {
		t.Fatalf("ledger rows = %d, %v", n, err)
	}
}
