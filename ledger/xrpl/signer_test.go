package xrpl

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerSigner(t *testing.T) {
	fake, srv := newFakeRippled(t)
	fake.on("sign", func(params map[string]interface{}) (int, interface{}) {
		assert.Equal(t, "sSecret", params["secret"])
		assert.Equal(t, true, params["offline"])
		tx := params["tx_json"].(map[string]interface{})
		assert.Equal(t, "Payment", tx["TransactionType"])
		return ok(map[string]interface{}{"tx_blob": "BLOB"})
	})

	signer, err := NewServerSigner(Config{URL: srv.URL}, "sSecret")
	require.NoError(t, err)
	blob, err := signer.Sign(context.Background(), map[string]interface{}{"TransactionType": "Payment"})
	require.NoError(t, err)
	assert.Equal(t, "BLOB", blob)
}

func TestServerSigner_Errors(t *testing.T) {
	_, err := NewServerSigner(Config{}, "")
	assert.Error(t, err)

	fake, srv := newFakeRippled(t)
	fake.on("sign", func(map[string]interface{}) (int, interface{}) {
		return http.StatusOK, map[string]interface{}{"status": "error", "error": "badSecret", "error_message": "Secret does not match account."}
	})
	signer, err := NewServerSigner(Config{URL: srv.URL}, "sWrong")
	require.NoError(t, err)

	_, err = signer.Sign(context.Background(), map[string]interface{}{"TransactionType": "Payment"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "badSecret", rpcErr.Code)
}
