package auth

import (
	"testing"
	"time"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	token, err := NewDeviceToken("device-a", "op-1", "scanner", "secret", time.Hour)
	if err != nil {
		t.Fatalf("NewDeviceToken failed: %v", err)
	}

	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.DeviceID != "device-a" || claims.OperatorID != "op-1" || claims.Role != "scanner" {
		t.Errorf("claims = %+v, want device-a/op-1/scanner", claims)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewDeviceToken("device-a", "op-1", "scanner", "secret", time.Hour)
	if err != nil {
		t.Fatalf("NewDeviceToken failed: %v", err)
	}

	if _, err := Parse(token, "other-secret"); err == nil {
		t.Error("expected parse to fail with wrong secret")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	token, err := NewDeviceToken("device-a", "op-1", "scanner", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("NewDeviceToken failed: %v", err)
	}

	if _, err := Parse(token, "secret"); err == nil {
		t.Error("expected parse to fail for expired token")
	}
}

func TestParseRejectsMissingDeviceID(t *testing.T) {
	token, err := NewDeviceToken("", "op-1", "scanner", "secret", time.Hour)
	if err != nil {
		t.Fatalf("NewDeviceToken failed: %v", err)
	}

	if _, err := Parse(token, "secret"); err == nil {
		t.Error("expected parse to fail without device identity")
	}
}
