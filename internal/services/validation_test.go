package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid request", func(t *testing.T) {
		req := RegisterRequest{
			Email:        "user@example.com",
			Password:     "password123",
			FirstName:    "John",
			LastName:     "Doe",
			PhoneNumber:  "+14155550134",
			CurrencyCode: "USD",
			TransferPin:  "1234",
		}
		assert.NoError(t, vh.ValidateStruct(&req))
	})

	t.Run("invalid request", func(t *testing.T) {
		req := RegisterRequest{
			Email:       "not-an-email",
			Password:    "123",
			TransferPin: "12345",
		}
		assert.Error(t, vh.ValidateStruct(&req))
	})

	t.Run("non-numeric pin", func(t *testing.T) {
		req := RegisterRequest{
			Email:        "user@example.com",
			Password:     "password123",
			FirstName:    "John",
			LastName:     "Doe",
			PhoneNumber:  "+14155550134",
			CurrencyCode: "USD",
			TransferPin:  "12ab",
		}
		assert.Error(t, vh.ValidateStruct(&req))
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("client errors report the validation kind", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Invalid request", resp.Error)
		assert.Equal(t, KindValidation, resp.Kind)
	})

	t.Run("validation details are broken out per field", func(t *testing.T) {
		vh := NewValidationHelper()
		err := vh.ValidateStruct(&RegisterRequest{Email: "not-an-email"})
		assert.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Details)
		assert.Contains(t, resp.Details, "Email")
	})
}

func TestSendAppError(t *testing.T) {
	t.Run("taxonomy kinds map onto HTTP statuses", func(t *testing.T) {
		cases := []struct {
			err        error
			wantStatus int
			wantKind   ErrorKind
		}{
			{NewValidationError("bad amount"), http.StatusBadRequest, KindValidation},
			{NewAuthError("Invalid transfer PIN"), http.StatusForbidden, KindAuth},
			{NewNotFoundError("Account not found"), http.StatusNotFound, KindNotFound},
			{NewConflictError("Already reviewed"), http.StatusConflict, KindConflict},
			{NewInsufficientFundsError("Insufficient balance"), http.StatusUnprocessableEntity, KindInsufficientFunds},
		}
		for _, tc := range cases {
			w := httptest.NewRecorder()
			SendAppError(w, tc.err)
			assert.Equal(t, tc.wantStatus, w.Code)

			var resp ErrorResponse
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantKind, resp.Kind)
		}
	})

	t.Run("internal causes never reach the client", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendAppError(w, NewInternalError("Failed to save", errors.New("pq: relation does not exist")))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "An Internal Error Occurred", resp.Error)
		assert.NotContains(t, w.Body.String(), "relation does not exist")
	})

	t.Run("unclassified errors default to internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendAppError(w, errors.New("boom"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "boom")
	})
}
