package renewal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"memberflow/fault"
	"memberflow/history"
	"memberflow/pricing"
)

var (
	testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	testDue = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func newTestService(store *fakeStore, calc pricing.Calculator) (*Service, *fakeDB, *fakeHist) {
	db := &fakeDB{}
	hist := &fakeHist{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	if calc == nil {
		calc = &fakeCalc{quote: pricing.Quote{FinalAmount: 100}}
	}
	svc := NewService(db, store, hist, calc, log).
		WithClock(func() time.Time { return testNow }).
		WithIDGenerator(func() string { return "txn-fixed" })
	return svc, db, hist
}

func TestCreateWithoutCalculatorUsesFlatDefault(t *testing.T) {
	store := &fakeStore{}
	db := &fakeDB{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := NewService(db, store, &fakeHist{}, nil, log).
		WithClock(func() time.Time { return testNow })

	rn, err := svc.Create(context.Background(), CreateParams{
		MembershipID: "mbr-1",
		MemberID:     "mbr-1",
		Year:         2026,
		DueDate:      testDue,
		Actor:        "staff:ana",
	})
	if err != nil {
		t.Fatalf("create with nil calculator: %v", err)
	}
	if rn.Amount != defaultFallbackAmount {
		t.Errorf("amount = %v, want %v", rn.Amount, defaultFallbackAmount)
	}
	if rn.Status != StatusPending {
		t.Errorf("status = %s, want pending", rn.Status)
	}
}

func TestCreateOpensPendingRenewal(t *testing.T) {
	store := &fakeStore{}
	svc, db, hist := newTestService(store, nil)

	rn, err := svc.Create(context.Background(), CreateParams{
		MembershipID: "mbr-1",
		MemberID:     "mbr-1",
		Year:         2026,
		Type:         TypeAnnual,
		DueDate:      testDue,
		Amount:       120,
		Discount:     20,
		Actor:        "staff:ana",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rn.Status != StatusPending {
		t.Errorf("status = %s, want pending", rn.Status)
	}
	if rn.FinalAmount != 100 {
		t.Errorf("final amount = %v, want 100", rn.FinalAmount)
	}
	if want := testDue.AddDate(0, 0, 30); !rn.GraceEndDate.Equal(want) {
		t.Errorf("grace end = %v, want %v", rn.GraceEndDate, want)
	}
	if !db.tx.committed {
		t.Error("expected commit")
	}
	if len(hist.entries) != 1 || hist.entries[0].Activity != history.ActivityCreated {
		t.Fatalf("history = %+v, want one renewal_created entry", hist.entries)
	}
}

func TestCreateAddsLateFeePastDue(t *testing.T) {
	store := &fakeStore{}
	svc, _, _ := newTestService(store, nil)

	pastDue := testNow.AddDate(0, 0, -10)
	rn, err := svc.Create(context.Background(), CreateParams{
		MembershipID: "mbr-1", MemberID: "mbr-1", Year: 2026,
		Type: TypeLate, DueDate: pastDue, Amount: 100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rn.LateFee != 25 || rn.FinalAmount != 125 {
		t.Errorf("late fee = %v final = %v, want 25 and 125", rn.LateFee, rn.FinalAmount)
	}

	// Grace renewals are exempt even past due.
	rn, err = svc.Create(context.Background(), CreateParams{
		MembershipID: "mbr-2", MemberID: "mbr-2", Year: 2026,
		Type: TypeGrace, DueDate: pastDue, Amount: 100,
	})
	if err != nil {
		t.Fatalf("create grace: %v", err)
	}
	if rn.LateFee != 0 || rn.FinalAmount != 100 {
		t.Errorf("grace late fee = %v final = %v, want 0 and 100", rn.LateFee, rn.FinalAmount)
	}
}

func TestCreateDuplicateConflict(t *testing.T) {
	store := &fakeStore{insertErr: ErrDuplicateRenewal}
	svc, db, _ := newTestService(store, nil)

	_, err := svc.Create(context.Background(), CreateParams{
		MembershipID: "mbr-1", MemberID: "mbr-1", Year: 2026,
		Type: TypeAnnual, DueDate: testDue, Amount: 100,
	})
	if !fault.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if db.tx.committed {
		t.Error("expected no commit on duplicate")
	}
}

func TestCreateFallsBackWhenPricingUnavailable(t *testing.T) {
	store := &fakeStore{}
	svc, db, hist := newTestService(store, &fakeCalc{err: errors.New("pricing down")})

	rn, err := svc.Create(context.Background(), CreateParams{
		MembershipID: "mbr-1", MemberID: "mbr-1", Year: 2026,
		Type: TypeAnnual, DueDate: testDue,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rn.Amount != 100 {
		t.Errorf("amount = %v, want fallback 100", rn.Amount)
	}
	if !db.tx.committed {
		t.Error("expected commit despite degraded pricing")
	}
	if len(hist.entries) != 2 || hist.entries[1].Activity != history.ActivityDegradedPricing {
		t.Fatalf("history = %+v, want created plus degraded_pricing", hist.entries)
	}
}

func TestStartProcessingRejectsTerminal(t *testing.T) {
	store := &fakeStore{current: Renewal{ID: "rnw-1", Status: StatusCompleted}}
	svc, db, hist := newTestService(store, nil)

	_, err := svc.StartProcessing(context.Background(), "rnw-1", "staff:ana")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if db.tx.committed {
		t.Error("expected rollback")
	}
	if len(hist.entries) != 0 {
		t.Errorf("history written on rejected transition: %+v", hist.entries)
	}
}

func TestCompleteExtendsAndPaysRemainder(t *testing.T) {
	store := &fakeStore{
		current:   Renewal{ID: "rnw-1", MembershipID: "mbr-1", MemberID: "mbr-1", Status: StatusProcessing, FinalAmount: 125},
		priorPaid: 25,
		newExpiry: time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	svc, db, hist := newTestService(store, nil)

	res, err := svc.Complete(context.Background(), CompleteParams{
		ID: "rnw-1", PaymentMethod: "card", PeriodMonths: 12, Actor: "staff:ana",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if res.Renewal.Status != StatusCompleted || res.Renewal.PaymentStatus != PaymentCompleted {
		t.Errorf("got status %s payment %s, want completed/completed", res.Renewal.Status, res.Renewal.PaymentStatus)
	}
	if res.TransactionID != "txn-fixed" {
		t.Errorf("transaction id = %q", res.TransactionID)
	}
	if !res.NewExpiry.Equal(store.newExpiry) {
		t.Errorf("new expiry = %v, want %v", res.NewExpiry, store.newExpiry)
	}
	if store.extendedMonths != 12 {
		t.Errorf("extended months = %d, want 12", store.extendedMonths)
	}
	if len(store.payments) != 1 || store.payments[0].Amount != 100 {
		t.Fatalf("payments = %+v, want one of 100 (remainder)", store.payments)
	}
	if !db.tx.committed {
		t.Error("expected commit")
	}
	if len(hist.entries) != 1 || hist.entries[0].NewStatus != string(StatusCompleted) {
		t.Fatalf("history = %+v, want one status_changed to completed", hist.entries)
	}
}

func TestCompleteSkipsPaymentWhenFullyPaid(t *testing.T) {
	store := &fakeStore{
		current:   Renewal{ID: "rnw-1", MembershipID: "mbr-1", Status: StatusProcessing, FinalAmount: 125},
		priorPaid: 125,
	}
	svc, _, _ := newTestService(store, nil)

	if _, err := svc.Complete(context.Background(), CompleteParams{ID: "rnw-1", PeriodMonths: 12}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(store.payments) != 0 {
		t.Errorf("payments = %+v, want none", store.payments)
	}
}

func TestCancelAfterCompleteRejected(t *testing.T) {
	store := &fakeStore{current: Renewal{ID: "rnw-1", Status: StatusCompleted}}
	svc, _, _ := newTestService(store, nil)

	if _, err := svc.Cancel(context.Background(), "rnw-1", "staff:ana"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestExpireRefusedWhileGraceOpen(t *testing.T) {
	store := &fakeStore{current: Renewal{
		ID: "rnw-1", Status: StatusPending,
		GraceEndDate: testNow.AddDate(0, 0, 5),
	}}
	svc, _, _ := newTestService(store, nil)

	if _, err := svc.Expire(context.Background(), "rnw-1", testNow, "system"); !fault.IsConflict(err) {
		t.Fatalf("err = %v, want conflict while grace open", err)
	}

	store.current.GraceEndDate = testNow.AddDate(0, 0, -1)
	rn, err := svc.Expire(context.Background(), "rnw-1", testNow, "system")
	if err != nil {
		t.Fatalf("expire after grace: %v", err)
	}
	if rn.Status != StatusExpired {
		t.Errorf("status = %s, want expired", rn.Status)
	}
}

func TestExpireRefusedWithPayments(t *testing.T) {
	store := &fakeStore{
		current: Renewal{
			ID: "rnw-1", Status: StatusPending,
			GraceEndDate: testNow.AddDate(0, 0, -1),
		},
		priorPaid: 50,
	}
	svc, db, hist := newTestService(store, nil)

	// Money was collected on this renewal; expiring it would strand the
	// payment in a terminal row.
	if _, err := svc.Expire(context.Background(), "rnw-1", testNow, "system"); !fault.IsConflict(err) {
		t.Fatalf("err = %v, want conflict for paid renewal", err)
	}
	if db.tx.committed {
		t.Fatal("refused expiry must not commit")
	}
	if len(hist.entries) != 0 {
		t.Fatal("refused expiry must not write history")
	}

	store.priorPaid = 0
	rn, err := svc.Expire(context.Background(), "rnw-1", testNow, "system")
	if err != nil {
		t.Fatalf("expire without payments: %v", err)
	}
	if rn.Status != StatusExpired {
		t.Errorf("status = %s, want expired", rn.Status)
	}
}

func TestRepriceOnlyPendingOrFailed(t *testing.T) {
	store := &fakeStore{current: Renewal{ID: "rnw-1", Status: StatusFailed, Amount: 100, LateFee: 25}}
	svc, _, hist := newTestService(store, nil)

	discount := 50.0
	rn, err := svc.Reprice(context.Background(), UpdateParams{
		ID: "rnw-1", Discount: &discount, Note: "hardship waiver", Actor: "staff:ana",
	})
	if err != nil {
		t.Fatalf("reprice: %v", err)
	}
	if rn.FinalAmount != 75 {
		t.Errorf("final = %v, want 75", rn.FinalAmount)
	}
	if len(hist.entries) != 1 || hist.entries[0].Activity != history.ActivityCorrection {
		t.Fatalf("history = %+v, want corrective_update entry", hist.entries)
	}

	store.current.Status = StatusCompleted
	if _, err := svc.Reprice(context.Background(), UpdateParams{ID: "rnw-1", Discount: &discount}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition on completed", err)
	}
}

func TestRecordPaymentRefusesOvercollection(t *testing.T) {
	store := &fakeStore{
		current:   Renewal{ID: "rnw-1", Status: StatusPending, FinalAmount: 100},
		priorPaid: 80,
	}
	svc, _, _ := newTestService(store, nil)

	_, err := svc.RecordPayment(context.Background(), PaymentParams{RenewalID: "rnw-1", Amount: 30})
	if !fault.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}

	p, err := svc.RecordPayment(context.Background(), PaymentParams{RenewalID: "rnw-1", Amount: 20})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if p.Status != PaymentCompleted || p.Amount != 20 {
		t.Errorf("payment = %+v", p)
	}
}

func TestExpireLapsedSkipsConflicts(t *testing.T) {
	store := &fakeStore{
		current: Renewal{ID: "rnw-1", Status: StatusPending, GraceEndDate: testNow.AddDate(0, 0, -10)},
		lapsed: []Renewal{
			{ID: "rnw-1", Status: StatusPending},
			{ID: "rnw-2", Status: StatusPending},
		},
		conflictOn: map[string]bool{"rnw-2": true},
	}
	svc, _, _ := newTestService(store, nil)

	n, err := svc.ExpireLapsed(context.Background(), testNow, "system")
	if err != nil {
		t.Fatalf("expire lapsed: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1 (conflict skipped)", n)
	}
}

type fakeCalc struct {
	quote pricing.Quote
	err   error
}

func (f *fakeCalc) Quote(context.Context, string) (pricing.Quote, error) {
	if f.err != nil {
		return pricing.Quote{}, f.err
	}
	return f.quote, nil
}

type fakeHist struct {
	entries []history.Entry
}

func (f *fakeHist) Append(_ context.Context, _ pgx.Tx, e history.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeHist) List(context.Context, history.Queryer, string) ([]history.Entry, error) {
	return f.entries, nil
}

type fakeStore struct {
	current   Renewal
	insertErr error
	lapsed    []Renewal

	conflictOn     map[string]bool
	priorPaid      float64
	newExpiry      time.Time
	payments       []Payment
	extendedMonths int
	seq            int
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, rn Renewal) (Renewal, error) {
	if f.insertErr != nil {
		return Renewal{}, f.insertErr
	}
	f.seq++
	rn.ID = "rnw-fake"
	rn.CreatedAt = testNow
	return rn, nil
}

func (f *fakeStore) Get(context.Context, Queryer, string) (Renewal, error) {
	return f.current, nil
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Renewal, error) {
	rn := f.current
	rn.ID = id
	return rn, nil
}

func (f *fakeStore) MarkProcessing(context.Context, pgx.Tx, string, time.Time) error { return nil }

func (f *fakeStore) MarkCompleted(context.Context, pgx.Tx, CompleteFields) error { return nil }

func (f *fakeStore) MarkFailed(context.Context, pgx.Tx, string) error { return nil }

func (f *fakeStore) MarkCancelled(context.Context, pgx.Tx, string, Status) error { return nil }

func (f *fakeStore) MarkExpired(_ context.Context, _ pgx.Tx, id string) error {
	if f.conflictOn[id] {
		return ErrTransitionConflict
	}
	return nil
}

func (f *fakeStore) UpdateAmounts(context.Context, pgx.Tx, AmountFields) error { return nil }

func (f *fakeStore) ExtendMembership(_ context.Context, _ pgx.Tx, _ string, months int) (time.Time, error) {
	f.extendedMonths = months
	return f.newExpiry, nil
}

func (f *fakeStore) InsertPayment(_ context.Context, _ pgx.Tx, p Payment) (Payment, error) {
	p.ID = "pay-fake"
	f.payments = append(f.payments, p)
	return p, nil
}

func (f *fakeStore) SumPayments(context.Context, Queryer, string) (float64, error) {
	return f.priorPaid, nil
}

func (f *fakeStore) ListLapsed(context.Context, Queryer, time.Time) ([]Renewal, error) {
	return f.lapsed, nil
}

func (f *fakeStore) ListOpen(context.Context, Queryer, time.Time) ([]Renewal, error) {
	return nil, nil
}

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
