package validation

import (
	"strings"
	"testing"

	"github.com/theramjad/hyperwhisper-fly/internal/errors"
)

type correctBody struct {
	Text   string `json:"text" validate:"required,max=20"`
	Prompt string `json:"prompt"`
}

type pricingSection struct {
	USDPerCredit float64 `mapstructure:"usd_per_credit" validate:"gt=0"`
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(&correctBody{Text: "hello"}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	err := Validate(&correctBody{})
	if err == nil {
		t.Fatal("expected error")
	}
	appErr, ok := errors.AsAppError(err)
	if !ok {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != errors.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT, got %s", appErr.Code)
	}
	if appErr.Details["field"] != "text" {
		t.Errorf("expected field text, got %v", appErr.Details["field"])
	}
	if !strings.Contains(appErr.Message, "text is required") {
		t.Errorf("unexpected message %q", appErr.Message)
	}
}

func TestValidate_MapstructureNames(t *testing.T) {
	err := Validate(&pricingSection{})
	if err == nil || !strings.Contains(err.Error(), "usd_per_credit must be greater than 0") {
		t.Errorf("expected usd_per_credit error, got %v", err)
	}
}
