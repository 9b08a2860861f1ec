package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

type switchBody struct {
	Target string `json:"target" validate:"required"`
}

func TestBind(t *testing.T) {
	v := validator.New()

	var ok switchBody
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"target":"2026"}`))
	require.NoError(t, Bind(httptest.NewRecorder(), req, v, &ok))
	require.Equal(t, "2026", ok.Target)

	var missing switchBody
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	err := Bind(httptest.NewRecorder(), req, v, &missing)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Contains(t, err.Error(), "target")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	require.ErrorIs(t, Bind(httptest.NewRecorder(), req, v, &missing), shared.ErrValidation)
}

func TestDecodeJSON(t *testing.T) {
	var body switchBody
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"target":"2027"}`))
	require.NoError(t, DecodeJSON(req, &body))
	require.Equal(t, "2027", body.Target)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))
	require.Error(t, DecodeJSON(req, &body))
}
