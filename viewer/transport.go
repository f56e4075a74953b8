package viewer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/yeremiapane/kitchen-router/kds"
	"github.com/yeremiapane/kitchen-router/models"
)

// Conn is an open change feed.
type Conn interface {
	ReadEvent() (kds.Event, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, filter kds.Filter, since uint64) (Conn, error)
}

// Mutator sends operator actions to the routing service.
type Mutator interface {
	Transition(ctx context.Context, routingID uint, action models.Action, actorID string) (*models.RoutingRecord, error)
}

// WSDialer connects to the /kds/ws endpoint.
type WSDialer struct {
	// URL of the endpoint, e.g. ws://host:8080/kds/ws.
	URL    string
	Dialer *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context, filter kds.Filter, since uint64) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("role", string(filter.Role))
	if filter.StationID != 0 {
		q.Set("station_id", strconv.FormatUint(uint64(filter.StationID), 10))
	}
	if filter.TableID != "" {
		q.Set("table_id", filter.TableID)
	}
	q.Set("since", strconv.FormatUint(since, 10))
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEvent() (kds.Event, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return kds.Event{}, err
		}
		var e kds.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return kds.Event{}, fmt.Errorf("decode feed frame: %w", err)
		}
		if e.Type == kds.EventPong {
			continue
		}
		return e, nil
	}
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// ErrRejected marks a mutation the server refused (validation or conflict).
// Such requests are not retried.
var ErrRejected = errors.New("mutation rejected")

// HTTPMutator posts transitions to the routing API.
type HTTPMutator struct {
	// BaseURL of the API, e.g. http://host:8080/api.
	BaseURL string
	Client  *http.Client
}

type transitionRequest struct {
	Action  models.Action `json:"action"`
	ActorID string        `json:"actor_id"`
}

type apiResponse struct {
	Status  bool                  `json:"status"`
	Message string                `json:"message"`
	Data    *models.RoutingRecord `json:"data"`
}

func (m *HTTPMutator) Transition(ctx context.Context, routingID uint, action models.Action, actorID string) (*models.RoutingRecord, error) {
	body, err := json.Marshal(transitionRequest{Action: action, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/routing/%d/transition", m.BaseURL, routingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post transition: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode transition response (%s): %w", resp.Status, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK && out.Data != nil:
		return out.Data, nil
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrRejected, out.Message)
	default:
		return nil, fmt.Errorf("transition failed (%s): %s", resp.Status, out.Message)
	}
}
