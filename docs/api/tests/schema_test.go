package tests

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	bridgeapi "github.com/aegis-sign/extbridge/internal/api"
	"github.com/aegis-sign/extbridge/internal/app/extbridge"
	"github.com/aegis-sign/extbridge/internal/infra/memhost"
	"github.com/aegis-sign/extbridge/pkg/apierrors"
	"gopkg.in/yaml.v3"
)

func loadOpenAPI(t *testing.T) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "openapi.yaml"))
	if err != nil {
		t.Fatalf("read openapi: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func schema(t *testing.T, doc map[string]any, name string) map[string]any {
	t.Helper()
	schemas := doc["components"].(map[string]any)["schemas"].(map[string]any)
	s, ok := schemas[name].(map[string]any)
	if !ok {
		t.Fatalf("schema %s missing", name)
	}
	return s
}

func enumSet(s map[string]any) map[string]bool {
	out := map[string]bool{}
	for _, v := range s["enum"].([]any) {
		out[v.(string)] = true
	}
	return out
}

func TestErrorCodesMatchAPIErrors(t *testing.T) {
	doc := loadOpenAPI(t)
	documented := enumSet(schema(t, doc, "ErrorCode"))
	codes := []apierrors.Code{
		apierrors.CodeInvalidArgument,
		apierrors.CodeRetryLater,
		apierrors.CodeExchangePending,
		apierrors.CodeExchangeAborted,
		apierrors.CodeNotConnected,
		apierrors.CodeInvalidResponse,
		apierrors.CodeInternal,
	}
	if len(documented) != len(codes) {
		t.Fatalf("ErrorCode enum has %d values, want %d", len(documented), len(codes))
	}
	for _, code := range codes {
		if !documented[string(code)] {
			t.Fatalf("ErrorCode enum missing %s", code)
		}
	}
}

func TestExchangeEnumsMatchBridge(t *testing.T) {
	doc := loadOpenAPI(t)
	states := enumSet(schema(t, doc, "ExchangeState"))
	for _, s := range []extbridge.State{
		extbridge.StateIdle,
		extbridge.StatePopupOpened,
		extbridge.StateAwaitingReady,
		extbridge.StateAwaitingResult,
		extbridge.StateSettled,
	} {
		if !states[string(s)] {
			t.Fatalf("ExchangeState enum missing %s", s)
		}
	}
	ops := enumSet(schema(t, doc, "Operation"))
	for _, op := range []extbridge.Operation{extbridge.OperationConnect, extbridge.OperationTransaction, extbridge.OperationSignMessage} {
		if !ops[string(op)] {
			t.Fatalf("Operation enum missing %s", op)
		}
	}
}

// 文档中的每个路由都必须注册在 HTTPHandler 上，且方法一致。
func TestDocumentedPathsAreRegistered(t *testing.T) {
	doc := loadOpenAPI(t)
	bridge, err := extbridge.New(memhost.New(), extbridge.Config{ExtensionID: "ext"})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	mux := http.NewServeMux()
	bridgeapi.NewHTTPHandler(bridge).Register(mux)

	paths := doc["paths"].(map[string]any)
	for path, raw := range paths {
		if path == "/metrics" {
			continue
		}
		ops := raw.(map[string]any)
		for method := range ops {
			req := httptest.NewRequest(strings.ToUpper(method), path, nil)
			if _, pattern := mux.Handler(req); pattern != path {
				t.Fatalf("%s %s not registered (matched %q)", method, path, pattern)
			}
		}
	}
}

func TestRetryableResponsesDocumentRetryAfter(t *testing.T) {
	doc := loadOpenAPI(t)
	responses := doc["components"].(map[string]any)["responses"].(map[string]any)
	for _, name := range []string{"ExchangePending", "RetryLater"} {
		resp := responses[name].(map[string]any)
		headers, ok := resp["headers"].(map[string]any)
		if !ok || headers["Retry-After"] == nil {
			t.Fatalf("%s must document Retry-After", name)
		}
	}
	connect := doc["paths"].(map[string]any)["/connect"].(map[string]any)["post"].(map[string]any)
	connectResponses := connect["responses"].(map[string]any)
	for _, code := range []apierrors.Code{apierrors.CodeExchangePending, apierrors.CodeRetryLater, apierrors.CodeExchangeAborted} {
		status := strconv.Itoa(apierrors.HTTPStatus(code))
		if _, ok := connectResponses[status]; !ok {
			t.Fatalf("/connect must document %s for %s", status, code)
		}
	}
}
