package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
)

const testSecret = "whsec_test"

func fixedVerifier(at time.Time) *Verifier {
	v := NewVerifier(testSecret, time.Minute)
	v.now = func() time.Time { return at }
	return v
}

func TestVerify(t *testing.T) {
	now := time.Unix(1767268800, 0)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	valid := SignHeader(payload, testSecret, now.Unix())

	tests := []struct {
		name    string
		payload []byte
		header  string
		want    error
	}{
		{name: "valid", payload: payload, header: valid},
		{name: "rotated secret", payload: payload, header: valid + ",v1=deadbeef"},
		{name: "tampered payload", payload: []byte(`{"id":"evt_2"}`), header: valid, want: ErrInvalidSignature},
		{name: "wrong secret", payload: payload, header: SignHeader(payload, "other", now.Unix()), want: ErrInvalidSignature},
		{name: "missing header", payload: payload, header: "", want: ErrInvalidSignature},
		{name: "no signature", payload: payload, header: "t=1767268800", want: ErrInvalidSignature},
		{name: "bad timestamp", payload: payload, header: "t=abc,v1=00", want: ErrInvalidSignature},
		{name: "too old", payload: payload, header: SignHeader(payload, testSecret, now.Add(-2*time.Minute).Unix()), want: ErrSignatureExpired},
		{name: "from the future", payload: payload, header: SignHeader(payload, testSecret, now.Add(2*time.Minute).Unix()), want: ErrSignatureExpired},
	}

	v := fixedVerifier(now)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.payload, tt.header)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_NoSecret(t *testing.T) {
	v := NewVerifier("", 0)
	payload := []byte(`{}`)

	err := v.Verify(payload, SignHeader(payload, "", time.Now().Unix()))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEventPayment_PaymentIntent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_123",
			"description": "500 credits",
			"metadata": {"user_id": "u1", "credits": "500"}
		}}
	}`))
	require.NoError(t, err)

	p, err := ev.Payment()
	require.NoError(t, err)
	assert.Equal(t, Payment{
		ID:          "pi_123",
		EventID:     "evt_1",
		UserID:      "u1",
		Currency:    model.CurrencyCredits,
		Amount:      500,
		Description: "500 credits",
	}, p)
}

func TestEventPayment_CheckoutUsesPaymentIntent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{
		"id": "evt_2",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"payment_intent": "pi_777",
			"metadata": {"user_id": "u2", "credits": "100", "currency": "points"}
		}}
	}`))
	require.NoError(t, err)

	p, err := ev.Payment()
	require.NoError(t, err)
	assert.Equal(t, "pi_777", p.ID)
	assert.Equal(t, model.CurrencyPoints, p.Currency)
}

func TestEventPayment_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "unsupported type", body: `{"id":"e","type":"customer.created","data":{"object":{}}}`, want: ErrUnsupportedEvent},
		{name: "no user", body: `{"id":"e","type":"payment_intent.succeeded","data":{"object":{"id":"pi","metadata":{"credits":"5"}}}}`, want: ErrMalformedEvent},
		{name: "zero credits", body: `{"id":"e","type":"payment_intent.succeeded","data":{"object":{"id":"pi","metadata":{"user_id":"u","credits":"0"}}}}`, want: ErrMalformedEvent},
		{name: "bad currency", body: `{"id":"e","type":"payment_intent.succeeded","data":{"object":{"id":"pi","metadata":{"user_id":"u","credits":"5","currency":"gold"}}}}`, want: ErrMalformedEvent},
		{name: "no payment id", body: `{"id":"e","type":"payment_intent.succeeded","data":{"object":{"metadata":{"user_id":"u","credits":"5"}}}}`, want: ErrMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body))
			require.NoError(t, err)
			_, err = ev.Payment()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = ParseEvent([]byte(`{"type":"payment_intent.succeeded"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
