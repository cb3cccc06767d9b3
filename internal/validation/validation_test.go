package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		if got := IsValidAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidHex(t *testing.T) {
	for in, want := range map[string]bool{
		"":       true,
		"0x":     true,
		"0xdead": true,
		"beef":   true,
		"0xabc":  false,
		"zz":     false,
	} {
		if got := IsValidHex(in); got != want {
			t.Errorf("IsValidHex(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"", true},
		{"1", true},
		{"18446744073709551615", true},
		{"18446744073709551616", false},
		{"0", false},
		{"000", false},
		{"-5", false},
		{"1.5", false},
		{"abc", false},
	}
	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		if (err == nil) != tc.ok {
			t.Errorf("ValidAmount(%q) error = %v, want ok=%v", tc.value, err, tc.ok)
		}
	}
}

func TestValidUint_AllowsZero(t *testing.T) {
	if err := ValidUint("amount", "0")(); err != nil {
		t.Fatalf("zero should be accepted: %v", err)
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("owner", ""),
		ValidAddress("destination", "nope"),
		MaxLength("name", "abcdef", 3),
		ValidHex("extraData", "0x1"),
		ValidAddress("agent", "0x1234567890123456789012345678901234567890"),
	)
	if len(errs) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "owner: is required" {
		t.Errorf("unexpected first error %q", errs.Error())
	}
	if (ValidationErrors{}).Error() != "validation failed" {
		t.Error("empty error list should have a generic message")
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/agents/:address/delegations/:sub", AddressParamMiddleware("address", "sub"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	good := "0x1234567890123456789012345678901234567890"
	tests := []struct {
		path string
		code int
	}{
		{"/agents/" + good + "/delegations/" + good, http.StatusOK},
		{"/agents/bad/delegations/" + good, http.StatusBadRequest},
		{"/agents/" + good + "/delegations/bad", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.code {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.code)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"far too long"}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected oversized body to be rejected, got %d", w.Code)
	}
}
