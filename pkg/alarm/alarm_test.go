package alarm_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/babmoim/babmoim-go/pkg/alarm"
	"github.com/babmoim/babmoim-go/pkg/model"
	"github.com/babmoim/babmoim-go/pkg/store"
)

func newLoadedStore(t *testing.T) (*alarm.Store, *store.MemoryStore) {
	t.Helper()
	creds := store.NewMemory()
	s := alarm.New(creds)
	s.Load(1)
	return s, creds
}

func TestArrivalOrderNewestFirst(t *testing.T) {
	t.Parallel()

	s, _ := newLoadedStore(t)

	for _, msg := range []string{"A", "B", "C"} {
		s.Handle(model.AlarmItem{Message: msg})
	}

	var got []string
	for _, item := range s.Items() {
		got = append(got, item.Message)
	}
	if diff := cmp.Diff([]string{"C", "B", "A"}, got); diff != "" {
		t.Errorf("list order mismatch (-want +got):\n%s", diff)
	}
	if unread := s.Unread(); unread != 3 {
		t.Errorf("Unread() = %d, want 3", unread)
	}
}

func TestScreenActiveSuppressesUnread(t *testing.T) {
	t.Parallel()

	s, _ := newLoadedStore(t)

	s.SetScreenActive(true)
	s.Handle(model.AlarmItem{Message: "while active"})

	if unread := s.Unread(); unread != 0 {
		t.Errorf("Unread() = %d, want 0 while screen active", unread)
	}
	if items := s.Items(); len(items) != 1 || !items[0].Read {
		t.Errorf("item must still be stored, pre-read: %+v", items)
	}

	s.SetScreenActive(false)
	s.Handle(model.AlarmItem{Message: "while inactive"})

	if unread := s.Unread(); unread != 1 {
		t.Errorf("Unread() = %d, want 1 after inactive arrival", unread)
	}
}

func TestCapEvictsOldest(t *testing.T) {
	t.Parallel()

	s, _ := newLoadedStore(t)

	for i := 0; i < model.AlarmMaxItems+10; i++ {
		s.Handle(model.AlarmItem{Message: fmt.Sprintf("alarm %d", i)})
	}

	items := s.Items()
	if len(items) != model.AlarmMaxItems {
		t.Fatalf("list length = %d, want cap %d", len(items), model.AlarmMaxItems)
	}
	// Newest survives, oldest evicted.
	if items[0].Message != fmt.Sprintf("alarm %d", model.AlarmMaxItems+9) {
		t.Errorf("newest item = %q", items[0].Message)
	}
	last := items[len(items)-1].Message
	if last != "alarm 10" {
		t.Errorf("oldest surviving item = %q, want %q", last, "alarm 10")
	}
}

func TestMarkAllRead(t *testing.T) {
	t.Parallel()

	s, _ := newLoadedStore(t)

	for _, msg := range []string{"A", "B", "C"} {
		s.Handle(model.AlarmItem{Message: msg})
	}
	s.MarkAllRead()

	if unread := s.Unread(); unread != 0 {
		t.Errorf("Unread() = %d, want 0", unread)
	}
	for _, item := range s.Items() {
		if !item.Read {
			t.Errorf("item %q still unread", item.Message)
		}
	}
}

func TestRestartRestoresListAndCounter(t *testing.T) {
	t.Parallel()

	creds := store.NewMemory()
	first := alarm.New(creds)
	first.Load(1)
	first.Handle(model.AlarmItem{Message: "first"})
	first.Handle(model.AlarmItem{Message: "second"})

	// Fresh store over the same credential cache, same user.
	second := alarm.New(creds)
	second.Load(1)

	if diff := cmp.Diff(first.Items(), second.Items(), cmpopts.EquateApproxTime(time.Second)); diff != "" {
		t.Errorf("restored list mismatch (-want +got):\n%s", diff)
	}
	if got := second.Unread(); got != 2 {
		t.Errorf("restored Unread() = %d, want 2", got)
	}
}

func TestListsAreScopedPerUser(t *testing.T) {
	t.Parallel()

	creds := store.NewMemory()
	s := alarm.New(creds)

	s.Load(1)
	s.Handle(model.AlarmItem{Message: "for user 1"})

	s.Load(2)
	if items := s.Items(); len(items) != 0 {
		t.Fatalf("user 2 sees user 1 alarms: %+v", items)
	}

	s.Load(1)
	if items := s.Items(); len(items) != 1 {
		t.Fatalf("user 1 list lost after switching: %+v", items)
	}
}

func TestResetDropsInMemoryState(t *testing.T) {
	t.Parallel()

	s, _ := newLoadedStore(t)
	s.Handle(model.AlarmItem{Message: "A"})

	s.Reset()

	if len(s.Items()) != 0 || s.Unread() != 0 {
		t.Fatalf("state survived Reset")
	}

	// Without a user, arrivals are ignored instead of leaking into the
	// next session.
	s.Handle(model.AlarmItem{Message: "late"})
	if len(s.Items()) != 0 {
		t.Fatalf("alarm recorded without a user")
	}
}
