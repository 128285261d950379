package protocol

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseErrorResponse(t *testing.T) {
	t.Run("success statuses return nil", func(t *testing.T) {
		resp := &http.Response{StatusCode: http.StatusOK}
		require.NoError(t, parseErrorResponse(resp, nil))

		resp.StatusCode = http.StatusCreated
		require.NoError(t, parseErrorResponse(resp, nil))
	})

	t.Run("oauth error body is decoded", func(t *testing.T) {
		resp := &http.Response{StatusCode: http.StatusUnauthorized}
		body := []byte(`{"error":"invalid_grant","error_description":"sso token rejected"}`)

		err := parseErrorResponse(resp, body)
		require.Error(t, err)

		var idpErr *Error
		require.ErrorAs(t, err, &idpErr)
		require.Equal(t, http.StatusUnauthorized, idpErr.StatusCode)
		require.Equal(t, ErrorCodeInvalidGrant, idpErr.Code)
		require.Equal(t, "sso token rejected", idpErr.Description)
	})

	t.Run("non-json body falls back to status text", func(t *testing.T) {
		resp := &http.Response{StatusCode: http.StatusBadGateway}

		err := parseErrorResponse(resp, []byte("<html>upstream broke</html>"))
		require.Error(t, err)

		var idpErr *Error
		require.ErrorAs(t, err, &idpErr)
		require.Equal(t, http.StatusBadGateway, idpErr.StatusCode)
		require.Equal(t, ErrorCodeServerError, idpErr.Code)
	})
}
