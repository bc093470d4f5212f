package solana

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// rpcServer answers JSON-RPC calls with canned results keyed by method.
func rpcServer(t *testing.T, results map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := results[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	c, err := NewClient(ClientConfig{
		RPCURL:         url,
		PrivateKey:     key.String(),
		ConfirmTimeout: 3 * time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func TestIsValidAddress(t *testing.T) {
	require.True(t, IsValidAddress("So11111111111111111111111111111111111111112"))
	require.True(t, IsValidAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	require.False(t, IsValidAddress(""))
	require.False(t, IsValidAddress("0x52908400098527886E0F7030069857D2E4169EE7"))
	require.False(t, IsValidAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1O"))
}

func TestNewClientWithoutKey(t *testing.T) {
	c, err := NewClient(ClientConfig{RPCURL: "http://localhost:1"})
	require.NoError(t, err)
	require.False(t, c.HasWallet())
	require.Empty(t, c.Address())

	_, err = c.SOLBalance(context.Background())
	require.ErrorIs(t, err, ErrNoWallet)
}

func TestNewClientBadKey(t *testing.T) {
	_, err := NewClient(ClientConfig{PrivateKey: "not-a-key"})
	require.Error(t, err)
}

func TestSOLBalance(t *testing.T) {
	srv := rpcServer(t, map[string]any{
		"getBalance": map[string]any{
			"context": map[string]any{"slot": 1},
			"value":   1_500_000_000,
		},
	})
	c := newTestClient(t, srv.URL)

	balance, err := c.SOLBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.5", balance.String())
}

func TestConfirm(t *testing.T) {
	sig := solana.Signature{1, 2, 3}

	t.Run("Confirmed", func(t *testing.T) {
		srv := rpcServer(t, map[string]any{
			"getSignatureStatuses": map[string]any{
				"context": map[string]any{"slot": 1},
				"value": []any{map[string]any{
					"slot":               1,
					"confirmations":      nil,
					"err":                nil,
					"confirmationStatus": "confirmed",
				}},
			},
		})
		c := newTestClient(t, srv.URL)
		require.NoError(t, c.Confirm(context.Background(), sig.String()))
	})

	t.Run("Failed", func(t *testing.T) {
		srv := rpcServer(t, map[string]any{
			"getSignatureStatuses": map[string]any{
				"context": map[string]any{"slot": 1},
				"value": []any{map[string]any{
					"slot":               1,
					"confirmations":      nil,
					"err":                map[string]any{"InstructionError": []any{0, "Custom"}},
					"confirmationStatus": "processed",
				}},
			},
		})
		c := newTestClient(t, srv.URL)
		require.ErrorIs(t, c.Confirm(context.Background(), sig.String()), ErrTransactionFailed)
	})

	t.Run("Timeout", func(t *testing.T) {
		srv := rpcServer(t, map[string]any{
			"getSignatureStatuses": map[string]any{
				"context": map[string]any{"slot": 1},
				"value":   []any{nil},
			},
		})
		c := newTestClient(t, srv.URL)
		c.confirmTimeout = 200 * time.Millisecond
		require.ErrorIs(t, c.Confirm(context.Background(), sig.String()), ErrConfirmTimeout)
	})
}

func TestDecodeMint(t *testing.T) {
	authority := solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

	data := make([]byte, 0, 82)
	data = binary.LittleEndian.AppendUint32(data, 1)
	data = append(data, authority[:]...)
	data = binary.LittleEndian.AppendUint64(data, 1_000_000_000)
	data = append(data, 6, 1)
	data = binary.LittleEndian.AppendUint32(data, 0)
	data = append(data, make([]byte, 32)...)

	info, err := decodeMint(solana.TokenProgramID, data)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), info.Supply)
	require.Equal(t, uint8(6), info.Decimals)
	require.True(t, info.Initialized)
	require.Equal(t, authority.String(), info.MintAuthority)
	require.Empty(t, info.FreezeAuthority)
}

func TestDecodeMintRejectsNonMints(t *testing.T) {
	for name, tt := range map[string]struct {
		owner solana.PublicKey
		data  []byte
	}{
		"wallet":        {owner: solana.SystemProgramID},
		"token account": {owner: solana.TokenProgramID, data: make([]byte, 165)},
		"short":         {owner: solana.TokenProgramID, data: make([]byte, 40)},
		"2022 account":  {owner: token2022ProgramID, data: append(make([]byte, 165), 2)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeMint(tt.owner, tt.data)
			require.ErrorIs(t, err, ErrMintNotFound)
		})
	}
}

func TestDecodeMintToken2022Extensions(t *testing.T) {
	data := make([]byte, 170)
	binary.LittleEndian.PutUint32(data, 0)
	data[44] = 9 // decimals
	data[45] = 1 // initialized
	data[165] = 1

	info, err := decodeMint(token2022ProgramID, data)
	require.NoError(t, err)
	require.Equal(t, uint8(9), info.Decimals)
	require.True(t, info.Initialized)
	require.Empty(t, info.MintAuthority)
}

func TestParseTokenAccount(t *testing.T) {
	amount, err := parseTokenAccount([]byte(`{
		"program": "spl-token",
		"parsed": {"info": {"tokenAmount": {"amount": "1234500", "decimals": 6, "uiAmount": 1.2345}}},
		"space": 165
	}`))
	require.NoError(t, err)
	require.Equal(t, TokenAmount{Raw: 1234500, Decimals: 6}, amount)
}

func TestTokenBalance(t *testing.T) {
	account := func(data any) map[string]any {
		return map[string]any{
			"pubkey": solana.NewWallet().PublicKey().String(),
			"account": map[string]any{
				"data":       data,
				"executable": false,
				"lamports":   2039280,
				"owner":      solana.TokenProgramID.String(),
				"rentEpoch":  0,
			},
		}
	}
	parsed := func(amount string) map[string]any {
		return map[string]any{
			"program": "spl-token",
			"parsed":  map[string]any{"info": map[string]any{"tokenAmount": map[string]any{"amount": amount, "decimals": 6}}},
			"space":   165,
		}
	}
	srv := rpcServer(t, map[string]any{
		"getTokenAccountsByOwner": map[string]any{
			"context": map[string]any{"slot": 1},
			"value":   []any{account(parsed("1000")), account(nil), account(parsed("250"))},
		},
	})
	c := newTestClient(t, srv.URL)

	amount, err := c.TokenBalance(context.Background(), solana.NewWallet().PublicKey().String())
	require.NoError(t, err)
	require.Equal(t, TokenAmount{Raw: 1250, Decimals: 6}, amount)
}
