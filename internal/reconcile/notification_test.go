package reconcile

import (
	"encoding/json"
	"testing"
)

func TestMemoParser(t *testing.T) {
	parser := NewMemoParser("DH")

	tests := []struct {
		name string
		memo string
		want string
		ok   bool
	}{
		{"plain", "DHABCD2345", "ABCD2345", true},
		{"lowercase", "dhabcd2345", "ABCD2345", true},
		{"embedded", "CHUYEN TIEN DHABCD2345 CK NHANH", "ABCD2345", true},
		{"bank suffix glued", "DHABCD2345FT12345678", "ABCD2345", true},
		{"no prefix", "ABCD2345", "", false},
		{"prefix only", "DH", "", false},
		{"code too short", "DHABC", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parser.Parse(tt.memo)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Parse(%q) = (%q, %v), want (%q, %v)", tt.memo, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestNotificationDecodesGatewayFields(t *testing.T) {
	raw := []byte(`{"id":42,"gateway":"TestBank","transferType":"in","transferAmount":150000,"content":"DHABCD2345","referenceCode":"FT123","description":"CHUYEN TIEN DHABCD2345"}`)

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if n.ID != "42" {
		t.Fatalf("id = %q, want 42", n.ID)
	}
	if n.ReferenceCode != "FT123" {
		t.Fatalf("referenceCode = %q, want FT123", n.ReferenceCode)
	}
	if n.Description != "CHUYEN TIEN DHABCD2345" {
		t.Fatalf("description = %q, want the bank memo", n.Description)
	}
}

func TestExternalIDAcceptsStringAndNumber(t *testing.T) {
	var n Notification
	if err := json.Unmarshal([]byte(`{"id":"tx-42"}`), &n); err != nil {
		t.Fatalf("string id: %v", err)
	}
	if n.ID != "tx-42" {
		t.Fatalf("string id = %q, want tx-42", n.ID)
	}

	if err := json.Unmarshal([]byte(`{"id":987654}`), &n); err != nil {
		t.Fatalf("numeric id: %v", err)
	}
	if n.ID != "987654" {
		t.Fatalf("numeric id = %q, want 987654", n.ID)
	}

	if err := json.Unmarshal([]byte(`{"id":[1]}`), &n); err == nil {
		t.Fatal("array id accepted, want error")
	}
}
