package server

import "net/http"

// A single-file status page. It polls the stats endpoints and tails the
// websocket event stream, which is enough to watch a game from a browser.
const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>fast</title>
<style>
body { font-family: monospace; background: #111; color: #ddd; margin: 2em; }
h1 { color: #9f9; }
#stats span { margin-right: 2em; }
#events { margin-top: 1em; border-top: 1px solid #333; padding-top: 1em; }
#events div { color: #888; }
</style>
</head>
<body>
<h1>fast</h1>
<div id="stats">
  <span>tick <b id="tick">-</b></span>
  <span>queued <b id="queued">-</b></span>
  <span>accepted <b id="accepted">-</b></span>
  <span>rejected <b id="rejected">-</b></span>
</div>
<div id="events"></div>
<script>
async function refresh() {
  const sync = await (await fetch('/sync')).json();
  document.getElementById('tick').textContent = sync.tick.current;
  const stats = await (await fetch('/flagstore-stats')).json();
  for (const k of ['queued', 'accepted', 'rejected'])
    document.getElementById(k).textContent = stats[k];
}
refresh();
setInterval(refresh, 5000);

const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
const ws = new WebSocket(proto + '//' + location.host + '/ws');
ws.onmessage = (msg) => {
  const e = JSON.parse(msg.data);
  const line = document.createElement('div');
  line.textContent = new Date().toLocaleTimeString() + ' ' + e.event + ' ' + JSON.stringify(e.data);
  const box = document.getElementById('events');
  box.prepend(line);
  while (box.children.length > 50) box.removeChild(box.lastChild);
};
</script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}
