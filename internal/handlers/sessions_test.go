package handlers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bastionhq/bastiond/internal/auth"
	"github.com/bastionhq/bastiond/internal/bridge"
	"github.com/bastionhq/bastiond/internal/config"
	"github.com/bastionhq/bastiond/internal/database"
	"github.com/bastionhq/bastiond/internal/middleware"
	"github.com/bastionhq/bastiond/internal/registry"
	"github.com/bastionhq/bastiond/internal/vault"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	gossh "golang.org/x/crypto/ssh"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupSessionTest wires the handler package globals against a fresh
// database and returns a router mirroring the session routes in main.
func setupSessionTest(t *testing.T) *chi.Mux {
	t.Helper()

	// File-backed database: the bridge touches it from server goroutines.
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.Credential{}, &database.Target{}, &database.Role{}, &database.RolePermission{}, &database.RoleBinding{}, &database.User{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	database.DB = db

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("generate vault key: %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	Vault = v

	SessionStore = auth.NewSessionStore()
	SessionRegistry = registry.New()
	config.Cfg.AuthDisabled = false
	config.Cfg.SSHConnectTimeout = 5 * time.Second

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(SessionStore))
			r.Post("/targets/{targetId}/sessions", InitiateSession)
			r.Get("/sessions", ListSessions)
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(SessionStore))
		r.Get("/ws/connect/{targetId}/{sessionId}/", ConnectSession)
	})
	return r
}

func createTestUser(t *testing.T, username, role string) *database.User {
	t.Helper()
	user := &database.User{Username: username, PasswordHash: "x", Role: role}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

// loginCookie creates an HTTP auth session for the user.
func loginCookie(t *testing.T, user *database.User) string {
	t.Helper()
	id, err := SessionStore.Create(user.ID)
	if err != nil {
		t.Fatalf("create auth session: %v", err)
	}
	return auth.SessionCookie + "=" + id
}

func grantTarget(t *testing.T, user *database.User, target *database.Target) {
	t.Helper()
	role := &database.Role{Name: "role-" + user.Username + "-" + target.Name}
	if err := database.DB.Create(role).Error; err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := database.DB.Create(&database.RolePermission{RoleID: role.ID, TargetID: target.ID}).Error; err != nil {
		t.Fatalf("create permission: %v", err)
	}
	if err := database.DB.Create(&database.RoleBinding{UserID: user.ID, RoleID: role.ID}).Error; err != nil {
		t.Fatalf("create binding: %v", err)
	}
}

func seedTarget(t *testing.T, name, host string, keyPEM []byte) *database.Target {
	t.Helper()
	credID, err := Vault.Store(name+"-key", string(keyPEM))
	if err != nil {
		t.Fatalf("store credential: %v", err)
	}
	target := &database.Target{
		Site: "prod", Name: name, ConnectUser: "root", Host: host, CredentialID: credID,
	}
	if err := database.DB.Create(target).Error; err != nil {
		t.Fatalf("create target: %v", err)
	}
	return target
}

func doInitiate(t *testing.T, srv *httptest.Server, cookie string, targetID uint) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/v1/targets/%d/sessions", srv.URL, targetID), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Cookie", cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestInitiateTargetNotFound(t *testing.T) {
	r := setupSessionTest(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	user := createTestUser(t, "alice", "user")
	resp := doInitiate(t, srv, loginCookie(t, user), 12345)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if SessionRegistry.Count() != 0 {
		t.Error("registry entry created for missing target")
	}
}

func TestInitiatePermissionDenied(t *testing.T) {
	r := setupSessionTest(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	target := seedTarget(t, "db1", "db1.internal:22", []byte("irrelevant"))
	user := createTestUser(t, "bob", "user") // no roles

	resp := doInitiate(t, srv, loginCookie(t, user), target.ID)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if SessionRegistry.Count() != 0 {
		t.Error("registry entry created despite denial")
	}
}

func TestInitiateReturnsEndpoint(t *testing.T) {
	r := setupSessionTest(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	target := seedTarget(t, "db1", "db1.internal:22", []byte("irrelevant"))
	user := createTestUser(t, "alice", "user")
	grantTarget(t, user, target)

	resp := doInitiate(t, srv, loginCookie(t, user), target.ID)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["session_id"] == "" {
		t.Error("missing session_id")
	}
	want := fmt.Sprintf("/ws/connect/%d/%s/", target.ID, body["session_id"])
	if body["endpoint"] != want {
		t.Errorf("endpoint = %q, want %q", body["endpoint"], want)
	}

	sess := SessionRegistry.Get(body["session_id"])
	if sess == nil {
		t.Fatal("session not registered")
	}
	if sess.State() != registry.StatePending {
		t.Errorf("expected pending, got %s", sess.State())
	}
}

func TestConnectUnknownSessionRejected(t *testing.T) {
	r := setupSessionTest(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	target := seedTarget(t, "db1", "db1.internal:22", []byte("irrelevant"))
	user := createTestUser(t, "alice", "user")
	grantTarget(t, user, target)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := fmt.Sprintf("ws%s/ws/connect/%d/never-issued/", strings.TrimPrefix(srv.URL, "http"), target.ID)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{loginCookie(t, user)}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if websocket.CloseStatus(err) != websocket.StatusCode(4004) {
		t.Errorf("expected close status 4004, got %v", err)
	}
}

func TestConnectConsumedSessionRejected(t *testing.T) {
	r := setupSessionTest(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	target := seedTarget(t, "db1", "db1.internal:22", []byte("irrelevant"))
	user := createTestUser(t, "alice", "user")
	grantTarget(t, user, target)
	cookie := loginCookie(t, user)

	sess := SessionRegistry.Create(target.ID, user.ID)
	if _, err := SessionRegistry.Claim(target.ID, sess.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := fmt.Sprintf("ws%s/ws/connect/%d/%s/", strings.TrimPrefix(srv.URL, "http"), target.ID, sess.ID)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{cookie}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusCode(4004) {
		t.Errorf("expected close status 4004, got %v", err)
	}
}

func TestEndToEndShellSession(t *testing.T) {
	r := setupSessionTest(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	sshAddr, keyPEM, cleanup := startTestSSHServer(t)
	defer cleanup()

	target := seedTarget(t, "db1", sshAddr, keyPEM)
	user := createTestUser(t, "alice", "user")
	grantTarget(t, user, target)
	cookie := loginCookie(t, user)

	resp := doInitiate(t, srv, cookie, target.ID)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initiate: expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + body["endpoint"]
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{cookie}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"message":"ls\n"}`)); err != nil {
		t.Fatalf("send keystrokes: %v", err)
	}

	// At least one output envelope must come back before teardown.
	var output string
	for output == "" {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env bridge.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if env.Error != "" {
			t.Fatalf("unexpected error envelope: %q", env.Error)
		}
		output = env.Output
	}

	conn.Close(websocket.StatusNormalClosure, "")

	// The registry entry is removed within a bounded time after close.
	deadline := time.Now().Add(5 * time.Second)
	for SessionRegistry.Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("registry entry not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectFailureSendsSingleErrorEnvelope(t *testing.T) {
	r := setupSessionTest(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	// Reserve a port, then close it so the SSH dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := l.Addr().String()
	l.Close()

	_, keyPEM, cleanup := startTestSSHServer(t)
	defer cleanup()

	target := seedTarget(t, "unreachable", deadAddr, keyPEM)
	user := createTestUser(t, "alice", "user")
	grantTarget(t, user, target)
	cookie := loginCookie(t, user)

	resp := doInitiate(t, srv, cookie, target.ID)
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + body["endpoint"]
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{cookie}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	errorEnvelopes := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break // transport closed after the error envelope
		}
		var env bridge.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		if env.Error != "" {
			errorEnvelopes++
		}
	}
	if errorEnvelopes != 1 {
		t.Errorf("expected exactly one error envelope, got %d", errorEnvelopes)
	}

	deadline := time.Now().Add(5 * time.Second)
	for SessionRegistry.Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("registry entry not removed after failed connect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- in-process SSH echo server ---

func startTestSSHServer(t *testing.T) (addr string, clientKeyPEM []byte, cleanup func()) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := gossh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("convert client pub key: %v", err)
	}
	block, err := gossh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	clientKeyPEM = pem.EncodeToMemory(block)

	serverCfg := &gossh.ServerConfig{
		PublicKeyCallback: func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	serverCfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestSSHConn(conn, serverCfg)
		}
	}()

	return listener.Addr().String(), clientKeyPEM, func() {
		listener.Close()
	}
}

func handleTestSSHConn(netConn net.Conn, config *gossh.ServerConfig) {
	defer netConn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer srvConn.Close()

	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				switch req.Type {
				case "pty-req", "window-change":
					if req.WantReply {
						req.Reply(true, nil)
					}
				case "shell", "exec":
					if req.WantReply {
						req.Reply(true, nil)
					}
					go func() {
						buf := make([]byte, 4096)
						for {
							n, err := ch.Read(buf)
							if n > 0 {
								ch.Write([]byte("echo:"))
								ch.Write(buf[:n])
							}
							if err != nil {
								return
							}
						}
					}()
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}()
	}
}
