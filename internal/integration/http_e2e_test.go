//go:build integration || !unit

package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"course_reactions/internal/adapters/courseapi"
	server "course_reactions/internal/adapters/http_server"
	redisad "course_reactions/internal/adapters/redis"
	"course_reactions/internal/app"
	"course_reactions/internal/domain"
	mysqlrepo "course_reactions/internal/storage/mysql"
)

// remote mimics the course review API: a paged list and two increment
// endpoints, session cookie required.
type remote struct {
	mu      sync.Mutex
	likes   map[int64]int
	dislike map[int64]int
	calls   []string
	down    bool
}

func newRemote() *remote {
	return &remote{
		likes:   map[int64]int{1: 12, 2: 0},
		dislike: map[int64]int{1: 1, 2: 0},
	}
}

func (rm *remote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(courseapi.SessionCookie); err != nil || c.Value != "sess" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/reviews":
		items := []map[string]any{}
		for _, id := range []int64{1, 2} {
			items = append(items, map[string]any{
				"id": id, "title": fmt.Sprintf("review %d", id), "course_number": "CS101",
				"likes_count": rm.likes[id], "dislikes_count": rm.dislike[id],
				"net_rating": rm.likes[id] - rm.dislike[id],
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "total": len(items), "page": 1, "page_size": 100})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/reviews/"):
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/reviews/"), "/")
		id, _ := strconv.ParseInt(parts[0], 10, 64)
		if _, ok := rm.likes[id]; !ok || len(parts) != 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch parts[1] {
		case "like":
			rm.likes[id]++
		case "dislike":
			rm.dislike[id]++
		}
		rm.calls = append(rm.calls, parts[1])
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "likes_count": rm.likes[id], "dislikes_count": rm.dislike[id]})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func startMySQL(t *testing.T) *sql.DB {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("dockertest unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env:        []string{"MYSQL_ROOT_PASSWORD=root", "MYSQL_DATABASE=reactions"},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/reactions?parseTime=true&charset=utf8mb4,utf8&loc=UTC", resource.GetPort("3306/tcp"))
	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		if db, e = sql.Open("mysql", dsn); e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := mysqlrepo.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// api wires one process worth of the stack.
func api(t *testing.T, db *sql.DB, redisAddr, backendURL string) *httptest.Server {
	t.Helper()
	client, err := courseapi.New(backendURL, "sess", 100)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cache := redisad.New(redisAddr, "", 0)
	t.Cleanup(func() { _ = cache.Close() })
	coll := app.NewCollection(client, cache, time.Minute)
	eng := app.NewEngine(client, app.NewRecords(mysqlrepo.New(db)), coll, app.Options{CallTimeout: 2 * time.Second})

	s := server.New(10 * time.Second)
	s.MountHandlers(server.NewHandlers(eng, ""))
	ts := httptest.NewServer(s.Mux())
	t.Cleanup(ts.Close)
	return ts
}

type item struct {
	ID         int64  `json:"id"`
	Likes      int    `json:"likes_count"`
	Dislikes   int    `json:"dislikes_count"`
	Net        int    `json:"net_rating"`
	MyReaction string `json:"my_reaction"`
}

type listResp struct {
	Items []item `json:"items"`
	Stale bool   `json:"stale"`
}

func call(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("X-User-ID", "student-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func TestE2E_ReactionLifecycle(t *testing.T) {
	db := startMySQL(t)
	mr := miniredis.RunT(t)
	rm := newRemote()
	backend := httptest.NewServer(rm)
	t.Cleanup(backend.Close)

	ts := api(t, db, mr.Addr(), backend.URL+"/api")

	resp, body := call(t, http.MethodGet, ts.URL+"/v1/reviews", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	var lr listResp
	if err := json.Unmarshal(body, &lr); err != nil || len(lr.Items) != 2 || lr.Items[0].Net != 11 {
		t.Fatalf("unexpected list %s (%v)", body, err)
	}

	if resp, body = call(t, http.MethodPut, ts.URL+"/v1/reviews/1/reaction", `{"kind":"like"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("like: %d %s", resp.StatusCode, body)
	}
	if resp, body = call(t, http.MethodPut, ts.URL+"/v1/reviews/1/reaction", `{"kind":"dislike"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("dislike: %d %s", resp.StatusCode, body)
	}

	rm.mu.Lock()
	calls := strings.Join(rm.calls, ",")
	rm.mu.Unlock()
	if calls != "like,dislike" {
		t.Fatalf("backend saw %q, want exactly one like and one dislike", calls)
	}

	rec, err := mysqlrepo.New(db).Get(context.Background(), "student-42", 1)
	if err != nil || rec.Kind != domain.KindDislike {
		t.Fatalf("persisted record = %+v (%v)", rec, err)
	}

	// a second process with the backend down starts from redis and mysql
	rm.mu.Lock()
	rm.down = true
	rm.mu.Unlock()
	ts2 := api(t, db, mr.Addr(), backend.URL+"/api")

	resp, body = call(t, http.MethodGet, ts2.URL+"/v1/reviews", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("warm list: %d %s", resp.StatusCode, body)
	}
	lr = listResp{}
	if err := json.Unmarshal(body, &lr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !lr.Stale || lr.Items[0].MyReaction != "dislike" || lr.Items[0].Dislikes != 2 {
		t.Fatalf("unexpected warm list %s", body)
	}

	// no backend, no reaction: the failure is reported and nothing sticks
	resp, _ = call(t, http.MethodPut, ts2.URL+"/v1/reviews/1/reaction", `{"kind":"like"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 with backend down, got %d", resp.StatusCode)
	}
	rec, _ = mysqlrepo.New(db).Get(context.Background(), "student-42", 1)
	if rec.Kind != domain.KindDislike {
		t.Fatalf("rollback lost: %+v", rec)
	}
}
