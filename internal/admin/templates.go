package admin

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
	"time"
)

var funcMap = template.FuncMap{
	"upper": strings.ToUpper,
	"time":  func(t time.Time) string { return t.Format(time.RFC3339) },
}

var overviewTmpl = template.Must(template.New("overview").Funcs(funcMap).Parse(overviewHTML))

func renderPage(w http.ResponseWriter, data map[string]any) {
	var buf bytes.Buffer
	if err := overviewTmpl.Execute(&buf, data); err != nil {
		http.Error(w, "template error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

const overviewHTML = `<!DOCTYPE html>
<html lang="en" class="dark">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>wafguard admin</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <style>body { background-color: #0f172a; color: #e2e8f0; }</style>
</head>
<body class="min-h-screen">
<nav class="bg-gray-900 border-b border-gray-700 px-6 py-4">
    <div class="flex items-center justify-between max-w-7xl mx-auto">
        <div class="flex items-center space-x-2">
            <span class="text-xl font-bold text-white">wafguard</span>
            <span class="text-xs bg-gray-700 text-gray-300 px-2 py-1 rounded">{{.Connector}}</span>
        </div>
        <div class="flex space-x-4 text-gray-400">
            <a href="/api/v1/audit" class="px-3 py-2 rounded hover:bg-gray-800">Audit API</a>
            <a href="/api/v1/rules" class="px-3 py-2 rounded hover:bg-gray-800">Rules</a>
            <a href="/metrics" class="px-3 py-2 rounded hover:bg-gray-800">Metrics</a>
        </div>
    </div>
</nav>
<main class="max-w-7xl mx-auto px-6 py-8">
<h1 class="text-2xl font-bold mb-6">Overview</h1>
<div class="grid grid-cols-1 md:grid-cols-3 gap-6 mb-8">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <div class="text-gray-400 text-sm mb-1">Audit Records</div>
        <div class="text-3xl font-bold text-white">{{.Stats.TotalRecords}}</div>
    </div>
    <div class="bg-gray-900 border border-red-900 rounded-lg p-6">
        <div class="text-red-400 text-sm mb-1">Interventions</div>
        <div class="text-3xl font-bold text-red-300">{{.Stats.Interventions}}</div>
    </div>
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <div class="text-gray-400 text-sm mb-1">Rules ({{with .Settings}}{{upper (printf "%s" .RuleEngine)}}{{end}})</div>
        <div class="text-3xl font-bold text-white">{{.Rules}}</div>
    </div>
</div>
<div class="grid grid-cols-1 md:grid-cols-2 gap-6 mb-8">
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">By Rule</h2>
        {{range $id, $count := .Stats.ByRule}}
        <div class="flex justify-between py-1 border-b border-gray-800">
            <span class="text-gray-300 font-mono text-sm">{{$id}}</span>
            <span class="text-gray-400">{{$count}}</span>
        </div>
        {{else}}<p class="text-gray-500">No data yet</p>{{end}}
    </div>
    <div class="bg-gray-900 border border-gray-700 rounded-lg p-6">
        <h2 class="text-lg font-bold mb-4">By Client</h2>
        {{range $ip, $count := .Stats.ByClient}}
        <div class="flex justify-between py-1 border-b border-gray-800">
            <span class="text-gray-300 font-mono text-sm">{{$ip}}</span>
            <span class="text-gray-400">{{$count}}</span>
        </div>
        {{else}}<p class="text-gray-500">No data yet</p>{{end}}
    </div>
</div>
<h2 class="text-lg font-bold mb-4">Recent Interventions</h2>
<div class="bg-gray-900 border border-gray-700 rounded-lg overflow-hidden">
    <table class="w-full text-sm text-left">
        <thead class="bg-gray-800 text-gray-400 uppercase text-xs">
            <tr><th class="px-4 py-3">Time</th><th class="px-4 py-3">Client</th><th class="px-4 py-3">Request</th><th class="px-4 py-3">Status</th><th class="px-4 py-3">Rule</th></tr>
        </thead>
        <tbody>
        {{range .Records}}
            <tr class="border-b border-gray-700 hover:bg-gray-800">
                <td class="px-4 py-2 text-gray-400 text-xs">{{time .Timestamp}}</td>
                <td class="px-4 py-2 font-mono">{{.Client.IP}}</td>
                <td class="px-4 py-2 font-mono">{{with .Request}}{{.Method}} {{.URI}}{{end}}</td>
                <td class="px-4 py-2"><span class="px-2 py-1 rounded text-xs font-bold bg-red-900 text-red-300">{{.Intervention.Status}}</span></td>
                <td class="px-4 py-2 text-gray-400 text-xs">{{.Intervention.RuleID}} {{.Intervention.Message}}</td>
            </tr>
        {{else}}
            <tr><td colspan="5" class="px-4 py-6 text-center text-gray-500">No interventions</td></tr>
        {{end}}
        </tbody>
    </table>
</div>
</main>
</body>
</html>`
