// SPDX-License-Identifier: MIT

package kpi

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/stbmon/capturehost/internal/verify"
)

// reportImage is one evidence thumbnail in the HTML report.
type reportImage struct {
	Label string
	URL   string
}

// reportData feeds the measurement report template.
type reportData struct {
	ExecutionResultID string
	ActionCommand     string
	ActionTime        string
	Algorithm         string
	KPIMs             *int64
	WindowStart       string
	WindowEnd         string
	FrameCount        int
	Thumbnails        []reportImage
	MatchURL          string
	Details           []verify.Detail
	Error             string
}

var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>KPI {{.ExecutionResultID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
.kpi { font-size: 2.5em; font-weight: bold; }
.meta td { padding: 0.2em 1em 0.2em 0; }
.thumbs { display: flex; gap: 1em; margin: 1em 0; }
.thumbs figure { margin: 0; }
.thumbs img { width: 240px; border: 1px solid #ccc; }
.card { border: 1px solid #ddd; padding: 0.8em; margin: 0.5em 0; }
.fail { color: #b00; }
</style>
</head>
<body>
<h1>KPI measurement {{.ExecutionResultID}}</h1>
{{if .KPIMs}}<p class="kpi">{{.KPIMs}} ms</p>{{else}}<p class="kpi fail">no match</p>{{end}}
{{if .Error}}<p class="fail">{{.Error}}</p>{{end}}
<table class="meta">
<tr><td>Action</td><td>{{.ActionCommand}}</td></tr>
<tr><td>Action time</td><td>{{.ActionTime}}</td></tr>
<tr><td>Algorithm</td><td>{{.Algorithm}}</td></tr>
<tr><td>Scan window</td><td>{{.WindowStart}} &rarr; {{.WindowEnd}} ({{.FrameCount}} frames)</td></tr>
</table>
{{if .Thumbnails}}
<div class="thumbs">
{{range .Thumbnails}}<figure><img src="{{.URL}}" alt="{{.Label}}"><figcaption>{{.Label}}</figcaption></figure>
{{end}}</div>
{{end}}
{{if .MatchURL}}<p><a href="{{.MatchURL}}">Full-resolution match frame</a></p>{{end}}
{{range .Details}}
<div class="card">
<strong>{{.Command}}</strong> {{.Reference}}
{{if .Success}}matched{{else}}<span class="fail">failed</span>{{end}}
{{if .Match}}<br>score {{printf "%.3f" .Match.Score}} (template {{printf "%.3f" .Match.TemplateScore}}, pixel {{printf "%.3f" .Match.PixelRatio}}){{end}}
{{if .Message}}<br>{{.Message}}{{end}}
</div>
{{end}}
</body>
</html>
`))

// renderReport produces the HTML report body.
func renderReport(data reportData) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("kpi: render report: %w", err)
	}
	return buf.Bytes(), nil
}
