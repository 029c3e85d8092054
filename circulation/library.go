package circulation

import (
	"io"
	"log/slog"
	"time"
)

// LoanPolicy sets loan and renewal periods in calendar days.
type LoanPolicy struct {
	LoanDays    int
	RenewalDays int
}

func DefaultLoanPolicy() LoanPolicy {
	return LoanPolicy{LoanDays: 14, RenewalDays: 7}
}

// core is the shared wiring every service reads from.
type core struct {
	store    TxStore
	clock    Clock
	log      *slog.Logger
	rec      Recorder
	fees     FeeSchedule
	policy   LoanPolicy
	codes    CodeGenerator
	location *time.Location
}

// now returns the current instant in the library's time zone.
func (c *core) now() time.Time { return c.clock.Now().In(c.location) }

// Option configures a Library.
type Option func(*core)

func WithClock(clk Clock) Option { return func(c *core) { c.clock = clk } }

func WithLogger(l *slog.Logger) Option { return func(c *core) { c.log = l } }

func WithRecorder(r Recorder) Option { return func(c *core) { c.rec = r } }

func WithFeeSchedule(s FeeSchedule) Option { return func(c *core) { c.fees = s } }

func WithLoanPolicy(p LoanPolicy) Option { return func(c *core) { c.policy = p } }

func WithCodeGenerator(g CodeGenerator) Option { return func(c *core) { c.codes = g } }

// WithLocation sets the zone in which calendar days are counted.
func WithLocation(loc *time.Location) Option { return func(c *core) { c.location = loc } }

// Library bundles the circulation services over one store.
type Library struct {
	Books   *Books
	Members *Members
	Loans   *Loans
	Fines   *Fines
	// Gate answers eligibility questions outside a transaction.
	Gate *Gate
}

func New(store TxStore, opts ...Option) *Library {
	c := &core{
		store:    store,
		clock:    SystemClock{},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		rec:      nopRecorder{},
		fees:     DefaultFeeSchedule(),
		policy:   DefaultLoanPolicy(),
		codes:    NewRandomCodes(nil),
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.location == nil {
		c.location = time.UTC
	}
	c.log = c.log.With("component", "circulation")

	fines := &Fines{core: c}
	return &Library{
		Books:   &Books{core: c},
		Members: &Members{core: c},
		Loans:   &Loans{core: c, fines: fines},
		Fines:   fines,
		Gate:    NewGate(store),
	}
}
