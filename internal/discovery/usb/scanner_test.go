package usb

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

func TestScanDedupsDisplayNames(t *testing.T) {
	s := NewScanner(zap.NewNop(), nil)
	s.enumerate = func(ctx context.Context) ([]model.USBParams, error) {
		return []model.USBParams{
			{Bus: 1, Address: 9, VendorID: 0x1b9f, ProductID: 0x0102, Product: "Board", DeviceHash: "abc"},
			{Bus: 1, Address: 4, VendorID: 0x1b9f, ProductID: 0x0102, Product: "Board", DeviceHash: "abc"},
			{Bus: 2, Address: 1, VendorID: 0x1b9f, ProductID: 0x0102, Product: "Board", DeviceHash: "abc"},
			{Bus: 1, Address: 5, VendorID: 0x0483, ProductID: 0x5740, Product: "Other", SerialNumber: "S1"},
		}, nil
	}

	ports, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []string{"Board_abc", "Other_04835740s1", "Board_abc (2)", "Board_abc (3)"}
	if len(ports) != len(want) {
		t.Fatalf("Scan() returned %d ports, want %d", len(ports), len(want))
	}
	for i, p := range ports {
		if p.DisplayName != want[i] {
			t.Errorf("ports[%d].DisplayName = %q, want %q", i, p.DisplayName, want[i])
		}
		if p.Kind != model.PortKindUSB {
			t.Errorf("ports[%d].Kind = %s", i, p.Kind)
		}
	}
	if ports[0].USB.Address != 4 {
		t.Errorf("ports not ordered by address: %+v", ports[0].USB)
	}
}

func TestScanEnumerationError(t *testing.T) {
	s := NewScanner(zap.NewNop(), nil)
	enumErr := errors.New("libusb: access denied")
	s.enumerate = func(ctx context.Context) ([]model.USBParams, error) { return nil, enumErr }

	if _, err := s.Scan(context.Background()); !errors.Is(err, enumErr) {
		t.Errorf("Scan() error = %v, want %v", err, enumErr)
	}
}

func TestScanAnnotatesKnownVendors(t *testing.T) {
	s := NewScanner(zap.NewNop(), nil)
	s.enumerate = func(ctx context.Context) ([]model.USBParams, error) {
		return []model.USBParams{
			{Bus: 1, Address: 2, VendorID: 0x1b9f, ProductID: 0x0102},
			{Bus: 1, Address: 3, VendorID: 0x0483, ProductID: 0x5740, Manufacturer: "Custom"},
			{Bus: 1, Address: 4, VendorID: 0xffff, ProductID: 0x0001},
		}, nil
	}

	ports, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	want := []string{"GHI Electronics", "Custom", ""}
	for i, p := range ports {
		if p.USB.Manufacturer != want[i] {
			t.Errorf("ports[%d].Manufacturer = %q, want %q", i, p.USB.Manufacturer, want[i])
		}
	}
}

func TestKnownVendorIDs(t *testing.T) {
	ids := KnownVendorIDs()
	if len(ids) != len(knownVendors) {
		t.Fatalf("KnownVendorIDs() returned %d ids, want %d", len(ids), len(knownVendors))
	}
	for _, id := range ids {
		if _, ok := LookupVendor(id); !ok {
			t.Errorf("LookupVendor(%#04x) not found", id)
		}
	}
	if _, ok := LookupVendor(0xffff); ok {
		t.Error("LookupVendor(0xffff) found an unknown vendor")
	}
}
