package mylife

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/connector/base"
	"github.com/nocturne/connectors/pkg/errors"
)

const (
	serviceNamespace = "http://mylife-software.net/cloud/sync/2019"
	servicePath      = "/MyLifeCloud/SyncService.svc"
	soapEnvNamespace = "http://schemas.xmlsoap.org/soap/envelope/"

	actionLogin       = serviceNamespace + "/ISyncService/Login"
	actionGetSyncData = serviceNamespace + "/ISyncService/GetSyncData"

	maxSOAPResponse = 64 << 20
)

// Fault codes that mean the session must be re-established
var authFaults = []string{"InvalidToken", "SessionExpired", "InvalidCredentials", "AccessDenied"}

type requestEnvelope struct {
	XMLName xml.Name    `xml:"soap:Envelope"`
	Soap    string      `xml:"xmlns:soap,attr"`
	Body    requestBody `xml:"soap:Body"`
}

type requestBody struct {
	Payload interface{}
}

type loginRequest struct {
	XMLName  xml.Name `xml:"http://mylife-software.net/cloud/sync/2019 Login"`
	UserName string   `xml:"userName"`
	Password string   `xml:"password"`
}

type getSyncDataRequest struct {
	XMLName   xml.Name `xml:"http://mylife-software.net/cloud/sync/2019 GetSyncData"`
	Token     string   `xml:"token"`
	PatientID string   `xml:"patientId"`
	FromTicks int64    `xml:"fromTicks"`
	ToTicks   int64    `xml:"toTicks"`
}

type responseEnvelope struct {
	XMLName xml.Name     `xml:"Envelope"`
	Body    responseBody `xml:"Body"`
}

type responseBody struct {
	Fault       *soapFault           `xml:"Fault"`
	Login       *loginResponse       `xml:"LoginResponse"`
	GetSyncData *getSyncDataResponse `xml:"GetSyncDataResponse"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail string `xml:"detail"`
}

type loginResponse struct {
	Result loginResult `xml:"LoginResult"`
}

type loginResult struct {
	Token          string `xml:"Token"`
	PatientID      string `xml:"PatientId"`
	TimeoutMinutes int    `xml:"SessionTimeoutMinutes"`
}

type getSyncDataResponse struct {
	Result string `xml:"GetSyncDataResult"`
}

// soapClient speaks SOAP 1.1 to the sync service
type soapClient struct {
	base    *base.BaseSource
	baseURL string
}

func (c *soapClient) endpoint() string {
	return strings.TrimRight(c.baseURL, "/") + servicePath
}

// call posts payload under action and decodes the response envelope.
// SOAP faults arrive with status 500, so the body is inspected before the
// status is classified.
func (c *soapClient) call(ctx context.Context, action string, payload interface{}) (*responseBody, error) {
	env := requestEnvelope{Soap: soapEnvNamespace, Body: requestBody{Payload: payload}}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode soap request")
	}

	ctx, cancel := c.base.RequestContext(ctx)
	defer cancel()

	req, err := c.base.HTTP().NewRequest(ctx, http.MethodPost, c.endpoint(), &buf, map[string]string{
		"Content-Type": "text/xml; charset=utf-8",
		"SOAPAction":   `"` + action + `"`,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build soap request")
	}

	resp, err := c.base.HTTP().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSOAPResponse))
	if err != nil {
		return nil, clients.ClassifyTransportError(err)
	}

	var out responseEnvelope
	if xmlErr := xml.Unmarshal(data, &out); xmlErr == nil {
		if f := out.Body.Fault; f != nil {
			return nil, classifyFault(f)
		}
	} else if resp.StatusCode < 400 {
		return nil, errors.Malformed("unparsable soap response", xmlErr).WithDetail("action", action)
	}

	if err := clients.ClassifyStatus(resp.StatusCode, ""); err != nil {
		return nil, err
	}
	return &out.Body, nil
}

func classifyFault(f *soapFault) error {
	text := f.Code + " " + f.String + " " + f.Detail
	for _, code := range authFaults {
		if strings.Contains(text, code) {
			return errors.Authentication("session rejected by sync service", nil).
				WithDetail("fault", strings.TrimSpace(f.String))
		}
	}
	if strings.Contains(f.Code, "Server") {
		return errors.Transient("sync service fault", nil).WithDetail("fault", strings.TrimSpace(f.String))
	}
	return errors.Permanent("sync service fault", nil).WithDetail("fault", strings.TrimSpace(f.String))
}

func (c *soapClient) login(ctx context.Context, username, password string) (*loginResult, error) {
	body, err := c.call(ctx, actionLogin, loginRequest{UserName: username, Password: password})
	if err != nil {
		return nil, err
	}
	if body.Login == nil || body.Login.Result.Token == "" {
		return nil, errors.Authentication("login returned no token", nil)
	}
	return &body.Login.Result, nil
}

func (c *soapClient) getSyncData(ctx context.Context, req getSyncDataRequest) (string, error) {
	body, err := c.call(ctx, actionGetSyncData, req)
	if err != nil {
		return "", err
	}
	if body.GetSyncData == nil {
		return "", errors.Malformed("missing GetSyncDataResponse", nil)
	}
	return strings.TrimSpace(body.GetSyncData.Result), nil
}
