package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>relaycrm</title>
<style>
  body { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; margin: 1.5rem; background: #0f1115; color: #d7dae0; }
  h1 { font-size: 1.1rem; }
  table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
  th, td { text-align: left; padding: 0.3rem 0.6rem; border-bottom: 1px solid #2a2e38; font-size: 0.85rem; }
  th { color: #8b93a5; font-weight: normal; }
  .ok { color: #7dd87d; }
  .err { color: #ff7b7b; }
  #state { color: #8b93a5; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>relaycrm event outcomes</h1>
<p>
  <input id="token" type="password" placeholder="Bearer token (ops:read)" autocomplete="off">
  <button id="connect">connect</button>
</p>
<p id="state">enter token to start</p>
<table>
  <thead>
    <tr><th>time</th><th>type</th><th>event</th><th>network</th><th>status</th><th>error</th></tr>
  </thead>
  <tbody id="rows"></tbody>
</table>
<script>
  const rows = document.getElementById("rows");
  const state = document.getElementById("state");
  const tokenInput = document.getElementById("token");
  const connectButton = document.getElementById("connect");
  const maxRows = 200;
  let ws = null;

  function addOutcome(o) {
    const tr = document.createElement("tr");
    const cells = [
      String(o.at || ""),
      String(o.type || ""),
      String(o.eventName || ""),
      String(o.networkId || ""),
      String(o.status || ""),
      String(o.error || ""),
    ];
    cells.forEach((text, idx) => {
      const td = document.createElement("td");
      td.textContent = text;
      if (idx === 4) {
        td.className = text === "SUCCEEDED" ? "ok" : "err";
      }
      tr.appendChild(td);
    });
    rows.insertBefore(tr, rows.firstChild);
    while (rows.children.length > maxRows) {
      rows.removeChild(rows.lastChild);
    }
  }

  function connect() {
    const token = tokenInput.value.trim();
    if (!token) {
      state.textContent = "enter token to start";
      return;
    }
    window.localStorage.setItem("relaycrm_dashboard_token", token);
    if (ws) {
      ws.onclose = null;
      ws.close();
    }
    const scheme = location.protocol === "https:" ? "wss" : "ws";
    ws = new WebSocket(scheme + "://" + location.host + "/dashboard/ws?token=" + encodeURIComponent(token));
    ws.onopen = () => {
      rows.innerHTML = "";
      state.textContent = "live";
    };
    ws.onmessage = (msg) => {
      try {
        addOutcome(JSON.parse(msg.data));
      } catch (err) {
        // ignore malformed frames
      }
    };
    ws.onclose = () => {
      state.textContent = "disconnected, retrying…";
      setTimeout(connect, 2000);
    };
  }
  connectButton.addEventListener("click", connect);
  tokenInput.value = window.localStorage.getItem("relaycrm_dashboard_token") || "";
  if (tokenInput.value) {
    connect();
  }
</script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}

// handleDashboardWS streams the recent outcome history and then tails new
// outcomes until the client goes away. Browsers cannot set headers on a
// websocket upgrade, so the bearer token arrives as a query parameter.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if _, authErr := authorizeBearer("Bearer "+token, s.cfg.JWTSecret, "ops:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	feed := s.engine.Feed()

	updates, cancel := feed.Subscribe()
	defer cancel()

	for _, outcome := range feed.Recent(50) {
		if err := wsjson.Write(ctx, conn, outcome); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-updates:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, outcome); err != nil {
				return
			}
		}
	}
}
