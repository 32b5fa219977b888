package acctlink_test

import (
	"encoding/json"
	"testing"

	acctlink "github.com/chimerakang/acctlink-go"
)

func TestRecorderKeepsOrder(t *testing.T) {
	rec := &acctlink.Recorder{}
	rec.Deny("sub mismatch")
	rec.RevokeSession("sub mismatch")

	got := rec.Commands()
	if len(got) != 2 || got[0].Type != acctlink.CommandDeny || got[1].Type != acctlink.CommandRevoke {
		t.Fatalf("Commands() = %+v", got)
	}

	// The returned slice is a copy.
	got[0].Reason = "changed"
	if rec.Commands()[0].Reason != "sub mismatch" {
		t.Error("Commands() must return a copy")
	}
}

func TestRecorderJSON(t *testing.T) {
	rec := &acctlink.Recorder{}
	rec.Redirect("https://tenant.example/authorize?x=1")
	rec.ChallengeWithAny(acctlink.FactorSelectors([]acctlink.Factor{{Method: "sms"}}))

	b, err := json.Marshal(rec.Commands())
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"type":"redirect","url":"https://tenant.example/authorize?x=1"},` +
		`{"type":"challenge","factors":[{"type":"phone","options":{"preferredMethod":"sms"}}]}]`
	if string(b) != want {
		t.Errorf("json = %s\nwant %s", b, want)
	}
}

func TestRecorderEmpty(t *testing.T) {
	b, _ := json.Marshal((&acctlink.Recorder{}).Commands())
	if string(b) != "[]" {
		t.Errorf("empty commands json = %s, want []", b)
	}
}
