// Package ox talks to the SOAP provisioning API of the OX groupware.
package ox

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	userService  = "OXUserService"
	groupService = "OXGroupService"

	maxResponseSize = 4 << 20
)

// Config holds the OX connection settings.
type Config struct {
	Endpoint          string
	Username          string
	Password          string
	ContextID         string
	ContextName       string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Recorder observes every OX call. monitoring.Metrics implements it.
type Recorder interface {
	RecordOxCall(action string, err error, duration time.Duration)
}

// Client is a rate limited OX SOAP client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	recorder   Recorder
	logger     *zap.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, recorder Recorder, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		recorder:   recorder,
		logger:     logger,
	}
}

// ContextID returns the OX context all users are provisioned into.
func (c *Client) ContextID() string { return c.cfg.ContextID }

// ContextName returns the name of the OX context.
func (c *Client) ContextName() string { return c.cfg.ContextName }

type requestBody struct {
	Content any
}

type requestEnvelope struct {
	XMLName xml.Name    `xml:"soapenv:Envelope"`
	SoapEnv string      `xml:"xmlns:soapenv,attr"`
	Soap    string      `xml:"xmlns:soap,attr"`
	Xsd     string      `xml:"xmlns:xsd,attr"`
	Body    requestBody `xml:"soapenv:Body"`
}

type responseEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault *soapFault `xml:"Fault"`
		Inner []byte     `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

type credentials struct {
	Login    string `xml:"xsd:login"`
	Password string `xml:"xsd:password"`
}

type contextRef struct {
	ID string `xml:"xsd:id"`
}

func (c *Client) auth() credentials {
	return credentials{Login: c.cfg.Username, Password: c.cfg.Password}
}

func (c *Client) ctxRef() contextRef {
	return contextRef{ID: c.cfg.ContextID}
}

// send posts one SOAP action to service and decodes the body of the response into out.
func (c *Client) send(ctx context.Context, service, action string, request, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.recorder != nil {
			c.recorder.RecordOxCall(action, err, time.Since(start))
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Action: action, Code: "rate-limit", Message: err.Error()}
	}

	payload, err := xml.Marshal(requestEnvelope{
		SoapEnv: "http://schemas.xmlsoap.org/soap/envelope/",
		Soap:    "http://soap.admin.openexchange.com",
		Xsd:     "http://dataobjects.soap.admin.openexchange.com/xsd",
		Body:    requestBody{Content: request},
	})
	if err != nil {
		return fmt.Errorf("ox %s: marshal request: %w", action, err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/webservices/" + service
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return fmt.Errorf("ox %s: build request: %w", action, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Action: action, Code: "transport", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Action: action, Code: "transport", Message: err.Error()}
	}

	var env responseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &Error{Action: action, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("ox %s: decode response: %w", action, err)
	}

	if f := env.Body.Fault; f != nil {
		c.logger.Debug("ox fault", zap.String("action", action), zap.String("fault", f.String))
		return &Error{Action: action, Code: f.Code, Message: f.String, Status: resp.StatusCode, Kind: classify(f.String)}
	}
	if resp.StatusCode >= 300 {
		return &Error{Action: action, Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(env.Body.Inner, out); err != nil {
		return fmt.Errorf("ox %s: decode %T: %w", action, out, err)
	}
	return nil
}
