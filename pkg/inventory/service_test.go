package inventory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/fleetshare/treasury/pkg/notify"
)

type stubNotifier struct {
	mu     sync.Mutex
	user   []notify.Event
	staff  []notify.Event
	failAt error
}

func (notifier *stubNotifier) NotifyUser(_ context.Context, _ string, event notify.Event) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.failAt != nil {
		return notifier.failAt
	}
	notifier.user = append(notifier.user, event)
	return nil
}

func (notifier *stubNotifier) NotifyAllStaff(_ context.Context, event notify.Event) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.failAt != nil {
		return notifier.failAt
	}
	notifier.staff = append(notifier.staff, event)
	return nil
}

type stubStore struct {
	mu               sync.Mutex
	vehicles         map[string]*Vehicle
	reservations     map[string]*Reservation
	tickets          map[string]*OwnershipTicket
	customIDs        map[string]bool
	decrementFailure error
	createFailure    error
	conflictsLeft    int
}

func newStubStore() *stubStore {
	return &stubStore{
		vehicles:     map[string]*Vehicle{},
		reservations: map[string]*Reservation{},
		tickets:      map[string]*OwnershipTicket{},
		customIDs:    map[string]bool{},
	}
}

func (store *stubStore) addVehicle(vehicle Vehicle) {
	store.vehicles[vehicle.VehicleID] = &vehicle
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetVehicle(_ context.Context, vehicleID string) (Vehicle, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	vehicle, ok := store.vehicles[vehicleID]
	if !ok {
		return Vehicle{}, fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
	}
	return *vehicle, nil
}

func (store *stubStore) DecrementCapacity(_ context.Context, vehicleID string, kind TokenKind) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.conflictsLeft > 0 {
		store.conflictsLeft--
		return fmt.Errorf("%w: simulated", ErrStoreConflict)
	}
	if store.decrementFailure != nil {
		return store.decrementFailure
	}
	vehicle, ok := store.vehicles[vehicleID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
	}
	if vehicle.CounterFor(kind) <= 0 {
		return fmt.Errorf("%w: %s/%s", ErrOutOfCapacity, vehicleID, kind)
	}
	store.applyDelta(vehicle, kind, -1)
	return nil
}

func (store *stubStore) IncrementCapacity(_ context.Context, vehicleID string, kind TokenKind) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	vehicle, ok := store.vehicles[vehicleID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrVehicleNotFound, vehicleID)
	}
	if vehicle.CounterFor(kind) >= vehicle.CeilingFor(kind) {
		return true, nil
	}
	store.applyDelta(vehicle, kind, 1)
	return false, nil
}

func (store *stubStore) applyDelta(vehicle *Vehicle, kind TokenKind, delta int) {
	switch kind {
	case KindWaitlist:
		vehicle.WaitlistTokensAvailable += delta
	case KindBookNow:
		vehicle.BookNowTokensAvailable += delta
	default:
		vehicle.TicketsAvailable += delta
	}
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createFailure != nil {
		return store.createFailure
	}
	if store.customIDs[reservation.CustomID] {
		return fmt.Errorf("%w: %s", ErrDuplicateCustomID, reservation.CustomID)
	}
	store.customIDs[reservation.CustomID] = true
	stored := reservation
	store.reservations[reservation.ReservationID] = &stored
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID string) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	return *reservation, nil
}

func (store *stubStore) UpdateReservationStatus(_ context.Context, reservationID string, from ReservationStatus, to ReservationStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
	}
	if reservation.Status != from {
		return fmt.Errorf("%w: %s", ErrReservationClosed, reservationID)
	}
	reservation.Status = to
	return nil
}

func (store *stubStore) CreateTicket(_ context.Context, ticket OwnershipTicket) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createFailure != nil {
		return store.createFailure
	}
	if store.customIDs[ticket.CustomID] {
		return fmt.Errorf("%w: %s", ErrDuplicateCustomID, ticket.CustomID)
	}
	store.customIDs[ticket.CustomID] = true
	stored := ticket
	store.tickets[ticket.TicketID] = &stored
	return nil
}

func (store *stubStore) counterFor(test *testing.T, vehicleID string, kind TokenKind) int {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	vehicle, ok := store.vehicles[vehicleID]
	if !ok {
		test.Fatalf("vehicle %s missing", vehicleID)
	}
	return vehicle.CounterFor(kind)
}

func mustNewService(test *testing.T, store Store, notifier Notifier) *Service {
	test.Helper()
	service, err := NewService(store, notifier, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func fullVehicle(vehicleID string) Vehicle {
	return Vehicle{
		VehicleID:               vehicleID,
		Name:                    "Test Vehicle",
		WaitlistTokensAvailable: WaitlistTokenCeiling,
		BookNowTokensAvailable:  BookNowTokenCeiling,
		TicketsAvailable:        8,
		TicketCeiling:           8,
	}
}

func TestReserveTakesOneUnit(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-1"))
	service := mustNewService(test, store, &stubNotifier{})

	if err := service.Reserve(context.Background(), "veh-1", KindWaitlist); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if got := store.counterFor(test, "veh-1", KindWaitlist); got != WaitlistTokenCeiling-1 {
		test.Fatalf("expected %d waitlist tokens, got %d", WaitlistTokenCeiling-1, got)
	}
}

func TestReserveExhaustedCounterFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	vehicle := fullVehicle("veh-empty")
	vehicle.BookNowTokensAvailable = 0
	store.addVehicle(vehicle)
	service := mustNewService(test, store, &stubNotifier{})

	err := service.Reserve(context.Background(), "veh-empty", KindBookNow)
	if !errors.Is(err, ErrOutOfCapacity) {
		test.Fatalf("expected ErrOutOfCapacity, got %v", err)
	}
}

func TestReserveRetriesStoreConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-conflict"))
	store.conflictsLeft = 2
	service := mustNewService(test, store, &stubNotifier{})

	if err := service.Reserve(context.Background(), "veh-conflict", KindWaitlist); err != nil {
		test.Fatalf("reserve after conflicts: %v", err)
	}
}

func TestReserveConflictRetriesExhausted(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-conflict-hard"))
	store.conflictsLeft = 10
	service := mustNewService(test, store, &stubNotifier{})

	err := service.Reserve(context.Background(), "veh-conflict-hard", KindWaitlist)
	if !errors.Is(err, ErrOutOfCapacity) {
		test.Fatalf("expected ErrOutOfCapacity after exhausted retries, got %v", err)
	}
}

func TestConcurrentReserveNeverOversells(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	vehicle := fullVehicle("veh-race")
	vehicle.BookNowTokensAvailable = 1
	store.addVehicle(vehicle)
	service := mustNewService(test, store, &stubNotifier{})

	const contenders = 16
	var wg sync.WaitGroup
	results := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- service.Reserve(context.Background(), "veh-race", KindBookNow)
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ErrOutOfCapacity) {
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		test.Fatalf("expected exactly 1 successful reserve, got %d", successes)
	}
	if got := store.counterFor(test, "veh-race", KindBookNow); got != 0 {
		test.Fatalf("expected counter at 0, got %d", got)
	}
}

func TestReleaseAtCeilingIsAbsorbed(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-full"))
	service := mustNewService(test, store, &stubNotifier{})

	if err := service.Release(context.Background(), "veh-full", KindWaitlist); err != nil {
		test.Fatalf("release at ceiling: %v", err)
	}
	if got := store.counterFor(test, "veh-full", KindWaitlist); got != WaitlistTokenCeiling {
		test.Fatalf("counter exceeded ceiling: %d", got)
	}
}

func TestRandomReserveReleaseKeepsBounds(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-bounds"))
	service := mustNewService(test, store, &stubNotifier{})
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			_ = service.Reserve(context.Background(), "veh-bounds", KindWaitlist)
		} else {
			_ = service.Release(context.Background(), "veh-bounds", KindWaitlist)
		}
		counter := store.counterFor(test, "veh-bounds", KindWaitlist)
		if counter < 0 || counter > WaitlistTokenCeiling {
			test.Fatalf("counter out of bounds after step %d: %d", i, counter)
		}
	}
}

func TestRecordTokenPurchaseCreatesActiveReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-2"))
	notifier := &stubNotifier{}
	service := mustNewService(test, store, notifier)

	reservation, err := service.RecordTokenPurchase(context.Background(), RecordTokenPurchaseInput{
		VehicleID:       "veh-2",
		HolderID:        "user-1",
		Kind:            KindBookNow,
		CustomID:        "order-1",
		AmountPaidCents: 250000,
	})
	if err != nil {
		test.Fatalf("record purchase: %v", err)
	}
	if reservation.Status != ReservationStatusActive {
		test.Fatalf("expected active reservation, got %s", reservation.Status)
	}
	if got := store.counterFor(test, "veh-2", KindBookNow); got != BookNowTokenCeiling-1 {
		test.Fatalf("expected %d booknow tokens, got %d", BookNowTokenCeiling-1, got)
	}
	if len(notifier.user) != 1 || notifier.user[0].Type != notify.TypeUserMadeBooking {
		test.Fatalf("expected booking notification, got %+v", notifier.user)
	}
	if len(notifier.staff) != 1 {
		test.Fatalf("expected staff fan-out, got %d", len(notifier.staff))
	}
}

func TestRecordTokenPurchaseDuplicateReleasesUnit(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-3"))
	service := mustNewService(test, store, &stubNotifier{})

	input := RecordTokenPurchaseInput{
		VehicleID:       "veh-3",
		HolderID:        "user-1",
		Kind:            KindWaitlist,
		CustomID:        "order-dup",
		AmountPaidCents: 100000,
	}
	if _, err := service.RecordTokenPurchase(context.Background(), input); err != nil {
		test.Fatalf("first purchase: %v", err)
	}
	_, err := service.RecordTokenPurchase(context.Background(), input)
	if !errors.Is(err, ErrDuplicateCustomID) {
		test.Fatalf("expected ErrDuplicateCustomID, got %v", err)
	}
	if got := store.counterFor(test, "veh-3", KindWaitlist); got != WaitlistTokenCeiling-1 {
		test.Fatalf("duplicate purchase leaked a unit: counter %d", got)
	}
}

func TestRecordTokenPurchaseRejectsTicketKind(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-4"))
	service := mustNewService(test, store, &stubNotifier{})

	_, err := service.RecordTokenPurchase(context.Background(), RecordTokenPurchaseInput{
		VehicleID:       "veh-4",
		HolderID:        "user-1",
		Kind:            KindTicket,
		CustomID:        "order-bad-kind",
		AmountPaidCents: 100,
	})
	if !errors.Is(err, ErrInvalidTokenKind) {
		test.Fatalf("expected ErrInvalidTokenKind, got %v", err)
	}
}

func TestDropReservationReleasesCapacityOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-5"))
	notifier := &stubNotifier{}
	service := mustNewService(test, store, notifier)

	reservation, err := service.RecordTokenPurchase(context.Background(), RecordTokenPurchaseInput{
		VehicleID:       "veh-5",
		HolderID:        "user-2",
		Kind:            KindBookNow,
		CustomID:        "order-drop",
		AmountPaidCents: 5000,
	})
	if err != nil {
		test.Fatalf("record purchase: %v", err)
	}

	if err := service.DropReservation(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("drop: %v", err)
	}
	if got := store.counterFor(test, "veh-5", KindBookNow); got != BookNowTokenCeiling {
		test.Fatalf("expected counter restored to ceiling, got %d", got)
	}

	// A second close on the same reservation must not release again.
	err = service.ExpireReservation(context.Background(), reservation.ReservationID)
	if !errors.Is(err, ErrReservationClosed) {
		test.Fatalf("expected ErrReservationClosed, got %v", err)
	}
	if got := store.counterFor(test, "veh-5", KindBookNow); got != BookNowTokenCeiling {
		test.Fatalf("double close leaked a unit: %d", got)
	}
}

func TestIssueTicketDerivesPendingAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-6"))
	service := mustNewService(test, store, &stubNotifier{})

	ticket, err := service.IssueTicket(context.Background(), IssueTicketInput{
		VehicleID:       "veh-6",
		HolderID:        "user-3",
		CustomID:        "order-ticket",
		PriceCents:      1000000,
		AmountPaidCents: 400000,
	})
	if err != nil {
		test.Fatalf("issue ticket: %v", err)
	}
	if ticket.PendingAmountCents != 600000 {
		test.Fatalf("expected pending 600000, got %d", ticket.PendingAmountCents)
	}
	if ticket.AmountPaidCents+ticket.PendingAmountCents != ticket.PriceCents {
		test.Fatalf("paid + pending != price")
	}
	if got := store.counterFor(test, "veh-6", KindTicket); got != 7 {
		test.Fatalf("expected 7 tickets left, got %d", got)
	}
}

func TestIssueTicketRejectsBadAmounts(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-7"))
	service := mustNewService(test, store, &stubNotifier{})

	_, err := service.IssueTicket(context.Background(), IssueTicketInput{
		VehicleID:       "veh-7",
		HolderID:        "user-3",
		CustomID:        "order-over",
		PriceCents:      1000,
		AmountPaidCents: 2000,
	})
	if !errors.Is(err, ErrInvalidTicketAmounts) {
		test.Fatalf("expected ErrInvalidTicketAmounts, got %v", err)
	}
	if got := store.counterFor(test, "veh-7", KindTicket); got != 8 {
		test.Fatalf("failed validation consumed capacity: %d", got)
	}
}

func TestNotifierFailureDoesNotFailPurchase(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addVehicle(fullVehicle("veh-8"))
	notifier := &stubNotifier{failAt: errors.New("smtp down")}
	service := mustNewService(test, store, notifier)

	_, err := service.RecordTokenPurchase(context.Background(), RecordTokenPurchaseInput{
		VehicleID:       "veh-8",
		HolderID:        "user-4",
		Kind:            KindWaitlist,
		CustomID:        "order-notify",
		AmountPaidCents: 3000,
	})
	if err != nil {
		test.Fatalf("purchase should survive notifier failure: %v", err)
	}
}
