package httptestutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/useghost/settle/api/auth"
	"gitlab.com/useghost/settle/api/httptypes"
)

// Server is something that can serve HTTP requests
type Server interface {
	ServeHTTP(response http.ResponseWriter, request *http.Request)
}

// TestHarness is a structure that allows us to execute tests that need
// HTTP serving capabilities
type TestHarness struct {
	server Server
	apiKey string
}

// NewTestHarness creates a harness for server. Requests made through
// AuthRequest carry apiKey
func NewTestHarness(server Server, apiKey string) TestHarness {
	return TestHarness{server: server, apiKey: apiKey}
}

// Checks if the given string is valid JSON
func isJSONString(s string) bool {
	var js interface{}
	err := json.Unmarshal([]byte(s), &js)
	return err == nil
}

type RequestArgs struct {
	Path   string
	Method string
	Body   string
}

// GetRequest returns a HTTP request with an optional JSON body
func GetRequest(t testing.TB, args RequestArgs) *http.Request {
	t.Helper()
	require.NotEmpty(t, args.Path, "You forgot to set Path")
	require.NotEmpty(t, args.Method, "You forgot to set Method")

	body := &bytes.Buffer{}
	if args.Body != "" {
		require.Truef(t, isJSONString(args.Body), "Body was not valid JSON: %s", args.Body)
		body = bytes.NewBufferString(args.Body)
	}

	req, err := http.NewRequest(args.Method, args.Path, body)
	require.NoError(t, err, "Couldn't construct request")
	return req
}

// AuthRequest returns a HTTP request that carries the harness' API key
func (harness *TestHarness) AuthRequest(t testing.TB, args RequestArgs) *http.Request {
	t.Helper()
	req := GetRequest(t, args)
	req.Header.Set(auth.Header, harness.apiKey)
	return req
}

func extractMethodAndPath(req *http.Request) string {
	return req.Method + " " + req.URL.Path
}

func (harness *TestHarness) serve(request *http.Request) *httptest.ResponseRecorder {
	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)
	return response
}

// AssertResponseNotOk checks that the request fails with a body shaped like
// our standard error response, and returns both
func (harness *TestHarness) AssertResponseNotOk(t testing.TB, request *http.Request) (*httptest.ResponseRecorder, httptypes.StandardErrorResponse) {
	t.Helper()
	response := harness.serve(request)
	require.GreaterOrEqualf(t, response.Code, 300,
		"Got success code on path %s", extractMethodAndPath(request))

	var errResponse httptypes.StandardErrorResponse
	require.NoErrorf(t, json.Unmarshal(response.Body.Bytes(), &errResponse),
		"Error body was not JSON: %s", response.Body.String())
	require.NotEmptyf(t, errResponse.ErrorField.Code,
		"Error response had no code: %s", response.Body.String())
	require.NotEmptyf(t, errResponse.ErrorField.Message,
		"Error response had no message: %s", response.Body.String())
	return response, errResponse
}

// AssertResponseNotOkWithCode checks that the given request results in the
// given HTTP status code. It returns the parsed error.
func (harness *TestHarness) AssertResponseNotOkWithCode(t testing.TB, request *http.Request, code int) httptypes.StandardErrorResponse {
	t.Helper()
	require.Truef(t, code >= 300 && code < 600, "Given code (%d) is not an error code", code)

	response, errResponse := harness.AssertResponseNotOk(t, request)
	require.Equalf(t, code, response.Code, "Unexpected code on path %s: %s",
		extractMethodAndPath(request), response.Body.String())
	return errResponse
}

// AssertResponseOk performs the given request against the API, asserts
// that it completed successfully and returns the response
func (harness *TestHarness) AssertResponseOk(t testing.TB, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	var bodyBytes []byte
	if request.Body != nil {
		// read the body bytes for potential error messages later
		var err error
		bodyBytes, err = io.ReadAll(request.Body)
		require.NoError(t, err, "Could not read body")
		// restore the original buffer so it can be read later
		request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	response := harness.serve(request)
	require.Equalf(t, http.StatusOK, response.Code, "Got failure code on path %s. Request: %s Response: %s",
		extractMethodAndPath(request), string(bodyBytes), response.Body.String())
	return response
}

// AssertResponseOkWithJson performs AssertResponseOk, then asserts that the
// body of the response is a JSON object, and returns it
func (harness *TestHarness) AssertResponseOkWithJson(t testing.TB, request *http.Request) map[string]interface{} {
	t.Helper()
	response := harness.AssertResponseOk(t, request)

	var destination map[string]interface{}
	require.NoErrorf(t, json.Unmarshal(response.Body.Bytes(), &destination),
		"Body: %s", response.Body.String())
	_, hasError := destination["error"]
	require.Falsef(t, hasError, "Successful response carried an error: %s", response.Body.String())
	return destination
}

// AssertResponseOkWithJsonList is AssertResponseOkWithJson for bodies that
// are JSON lists
func (harness *TestHarness) AssertResponseOkWithJsonList(t testing.TB, request *http.Request) []interface{} {
	t.Helper()
	response := harness.AssertResponseOk(t, request)

	var destination []interface{}
	require.NoErrorf(t, json.Unmarshal(response.Body.Bytes(), &destination),
		"Body: %s", response.Body.String())
	return destination
}

// DecodeResponse performs AssertResponseOk and decodes the body into dest
func (harness *TestHarness) DecodeResponse(t testing.TB, request *http.Request, dest interface{}) {
	t.Helper()
	response := harness.AssertResponseOk(t, request)
	require.NoErrorf(t, json.Unmarshal(response.Body.Bytes(), dest),
		"Body: %s", response.Body.String())
}
