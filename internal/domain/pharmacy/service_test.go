package pharmacy

import (
	"context"
	"errors"
	"testing"
)

func newTestService() *Service {
	return NewService(NewRepoMem())
}

func TestCreateRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr bool
	}{
		{"valid", CreateRequest{Name: "Daroukhaneh Sina", Address: "Valiasr St", Latitude: 35.7, Longitude: 51.4}, false},
		{"blank name", CreateRequest{Name: "  ", Address: "x"}, true},
		{"missing address", CreateRequest{Name: "A"}, true},
		{"latitude", CreateRequest{Name: "A", Address: "x", Latitude: 91}, true},
		{"longitude", CreateRequest{Name: "A", Address: "x", Longitude: -181}, true},
	}
	for _, tt := range tests {
		err := tt.req.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", tt.name, err)
		}
	}
}

func TestService_CreateAndGet(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateRequest{Name: " Sina ", Address: "Valiasr St", Latitude: 35.7, Longitude: 51.4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == 0 || !p.Active || p.Name != "Sina" {
		t.Errorf("unexpected pharmacy %+v", p)
	}

	got, err := svc.Get(ctx, p.ID)
	if err != nil || got.Address != "Valiasr St" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if _, err := svc.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for zero id, got %v", err)
	}
}

func TestService_ListAndDeactivate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	for _, name := range []string{"Cyrus", "Aria", "Bahar"} {
		if _, err := svc.Create(ctx, CreateRequest{Name: name, Address: "addr"}); err != nil {
			t.Fatal(err)
		}
	}

	items, total, err := svc.List(ctx, true, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 || items[0].Name != "Aria" || items[1].Name != "Bahar" {
		t.Fatalf("unexpected page total=%d items=%v", total, items)
	}

	if _, err := svc.SetActive(ctx, items[0].ID, false); err != nil {
		t.Fatal(err)
	}
	_, total, _ = svc.List(ctx, true, 10, 0)
	if total != 2 {
		t.Errorf("expected 2 active pharmacies, got %d", total)
	}
	_, total, _ = svc.List(ctx, false, 10, 0)
	if total != 3 {
		t.Errorf("expected 3 pharmacies overall, got %d", total)
	}

	if _, err := svc.SetActive(ctx, 404, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepoMem_OffsetBeyondEnd(t *testing.T) {
	repo := NewRepoMem()
	_ = repo.Create(context.Background(), &Pharmacy{Name: "A", Active: true})
	items, total, err := repo.List(context.Background(), false, 10, 5)
	if err != nil || total != 1 || len(items) != 0 {
		t.Errorf("unexpected result items=%v total=%d err=%v", items, total, err)
	}
}
