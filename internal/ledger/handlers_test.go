package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() (*gin.Engine, *Ledger) {
	gin.SetMode(gin.TestMode)
	l := New(NewMemoryStore())
	r := gin.New()
	NewHandler(l).RegisterRoutes(r)
	return r, l
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAddProductEndpoint(t *testing.T) {
	r, _ := newTestRouter()

	w := doJSON(t, r, http.MethodPost, "/addProduct", gin.H{
		"productId":   "P1001",
		"description": "Organic Coffee",
		"owner":       "FarmCo",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Message string       `json:"message"`
		Block   ProductBlock `json:"block"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Product added", resp.Message)
	assert.Equal(t, 0, resp.Block.Index)
	assert.Equal(t, GenesisLink, resp.Block.PreviousLink)
	assert.Equal(t, "P1001", resp.Block.Data.ProductID)
}

func TestAddProductEndpointMissingFields(t *testing.T) {
	r, _ := newTestRouter()

	w := doJSON(t, r, http.MethodPost, "/addProduct", gin.H{"productId": "P1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing fields")
}

func TestAddProductEndpointDuplicate(t *testing.T) {
	r, _ := newTestRouter()

	body := gin.H{"productId": "P1", "description": "d", "owner": "o"}
	w := doJSON(t, r, http.MethodPost, "/addProduct", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/addProduct", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Product ID already exists")

	// Chain unchanged after the rejection.
	w = doJSON(t, r, http.MethodGet, "/chain", nil)
	var blocks []ProductBlock
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &blocks))
	assert.Len(t, blocks, 1)
}

func TestAddEventEndpoint(t *testing.T) {
	r, _ := newTestRouter()

	w := doJSON(t, r, http.MethodPost, "/addProduct", gin.H{
		"productId": "P1", "description": "d", "owner": "o",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/addEvent", gin.H{
		"productId": "P1",
		"eventType": EventShipment,
		"key":       "carrier",
		"value":     "Maersk",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Message string      `json:"message"`
		Event   EventRecord `json:"event"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Event added", resp.Message)
	assert.Equal(t, EventShipment, resp.Event.EventType)
	assert.Equal(t, "Maersk", resp.Event.Value)
}

func TestAddEventEndpointUnknownProduct(t *testing.T) {
	r, _ := newTestRouter()

	w := doJSON(t, r, http.MethodPost, "/addEvent", gin.H{
		"productId": "ghost", "eventType": EventDelivery,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Product not found")

	w = doJSON(t, r, http.MethodGet, "/events", nil)
	var events []EventRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Empty(t, events)
}

func TestChainAndEventsEmpty(t *testing.T) {
	r, _ := newTestRouter()

	w := doJSON(t, r, http.MethodGet, "/chain", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAddProductEndpointBadJSON(t *testing.T) {
	r, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/addProduct", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
