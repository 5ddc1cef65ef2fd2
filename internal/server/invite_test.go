package server

import (
	"net/http"
	"testing"
)

func TestInviteBind(t *testing.T) {
	f := newFixture(t)
	tok := token(t, 5)

	rec := f.do(t, http.MethodPost, "/api/v1/invite/bind", tok, map[string]string{"code": "NOPE"})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d", rec.Code)
	}
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	if body["status_code"] != float64(11032) {
		t.Fatalf("unexpected body %v", body)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/invite/bind", tok, map[string]string{"code": "VALIDCODE1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp inviteResponse
	decodeBody(t, rec, &resp)
	if resp.Code != "VALIDCODE1" || resp.Remaining != 3 {
		t.Fatalf("unexpected bind response %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/invite", tok, nil)
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.Remaining != 3 {
		t.Fatalf("unexpected remaining %d %+v", rec.Code, resp)
	}
}

func TestInviteBindRequiresCode(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/invite/bind", token(t, 5), map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}
