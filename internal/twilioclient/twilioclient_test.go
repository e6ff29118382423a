package twilioclient

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestClient_SendMessageSMS(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, from: "+15550001111"}

	if err := c.SendMessage(context.Background(), "61400000000", "Done!"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 request, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "+61400000000" || *p.From != "+15550001111" || *p.Body != "Done!" {
		t.Errorf("params = to %q from %q body %q", *p.To, *p.From, *p.Body)
	}
}

func TestClient_SendMessageWhatsApp(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, from: "whatsapp:+15550001111"}

	if !c.IsWhatsApp() {
		t.Fatal("expected WhatsApp channel")
	}
	if err := c.SendMessage(context.Background(), "447700900000", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := *api.params[0].To; got != "whatsapp:+447700900000" {
		t.Errorf("to = %q", got)
	}
}

func TestClient_SendMessageError(t *testing.T) {
	c := &Client{api: &fakeAPI{err: errors.New("401 unauthorized")}, from: "+15550001111"}
	if err := c.SendMessage(context.Background(), "61400000000", "x"); err == nil {
		t.Fatal("expected error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SendMessage(ctx, "61400000000", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx err = %v", err)
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFrom("+15550001111"))
	if err != nil || c.IsWhatsApp() {
		t.Errorf("NewClient = %v, %v", c, err)
	}
}

func TestMockClient_SendMessage(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Hello Test" {
		t.Errorf("sent = %+v", sent)
	}
	mock.Err = errors.New("down")
	if err := mock.SendMessage(context.Background(), "12345", "again"); err == nil {
		t.Error("expected configured error")
	}
}
