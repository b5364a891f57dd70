package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/John-Robertt/tilestage/internal/app/stage"
	"github.com/John-Robertt/tilestage/internal/config"
	"github.com/John-Robertt/tilestage/internal/domain"
)

var _ stage.Observer = (*progressUI)(nil)

// progressUI 是终端进度输出（写 stderr，不污染 stdout 的 JSON 契约）。
//
// - 事件驱动：stage 只发事件，CLI 决定如何展示
// - keepalive：长时间没有文件完成时定期输出一行进度
// - 仅在 TTY 上着色（lipgloss 按 writer 自动探测颜色能力）
type progressUI struct {
	w      io.Writer
	styles progressStyles

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	kind    domain.TileKind
	workers int
	total   int
	done    int
	ok      int
	fail    int
	bytes   int64

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

type progressStyles struct {
	ok    lipgloss.Style
	fail  lipgloss.Style
	warn  lipgloss.Style
	dim   lipgloss.Style
	title lipgloss.Style
}

func newProgressStyles(w io.Writer, color bool) progressStyles {
	r := lipgloss.NewRenderer(w)
	if !color {
		return progressStyles{
			ok:    r.NewStyle(),
			fail:  r.NewStyle(),
			warn:  r.NewStyle(),
			dim:   r.NewStyle(),
			title: r.NewStyle(),
		}
	}
	return progressStyles{
		ok:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}),
		fail:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}).Bold(true),
		warn:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}),
		dim:   r.NewStyle().Faint(true),
		title: r.NewStyle().Bold(true),
	}
}

func newProgressUI(w io.Writer, color bool) *progressUI {
	return &progressUI{
		w:                  w,
		styles:             newProgressStyles(w, color),
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(runID string, eff config.EffectiveConfig, groups []domain.TileGroup) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.startedAt = now
	fmt.Fprintf(p.w, "[%s] %s %s\n", now.Format("15:04:05"), p.styles.title.Render("tilestage run"), p.styles.dim.Render(shortID(runID)))
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigFile)
	}
	fmt.Fprintf(p.w, "  dest_root: %s\n", eff.DestRoot)
	fmt.Fprintf(p.w, "  max_workers: %d\n", eff.MaxWorkers)
	fmt.Fprintf(p.w, "  extension_filter: %s\n", eff.ExtensionFilter)
	for _, g := range groups {
		mode := "scan"
		if len(g.Files) > 0 {
			mode = fmt.Sprintf("manifest(%d)", len(g.Files))
		}
		fmt.Fprintf(p.w, "  %s: %s -> %s [%s]\n", g.Kind, g.SourceDir, g.DestDir, mode)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnGroupStart(g domain.TileGroup, total, workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.kind = g.Kind
	p.workers = workers
	p.total = total
	p.done, p.ok, p.fail, p.bytes = 0, 0, 0, 0

	fmt.Fprintf(p.w, "%s: files=%d workers=%d\n", p.styles.title.Render(string(g.Kind)), total, workers)
	if total > 0 && !p.tickerStarted {
		p.startTickerLocked()
	}
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFileDone(g domain.TileGroup, done, total int, res domain.CopyResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = done
	p.total = total

	if res.OK() {
		p.ok++
		p.bytes += res.Bytes
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s (%s)\n",
			done, total, res.Name, p.styles.ok.Render("OK"), humanize.Bytes(uint64(res.Bytes)), formatShortDuration(dur),
		)
	} else {
		p.fail++
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s: %s (%s)\n",
			done, total, res.Name, p.styles.fail.Render("FAIL"), res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}
	p.lastPrinted = time.Now()

	// 最后一个文件完成：停止 ticker，避免在 group 结束后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnGroupDone(gr domain.GroupReport, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopTickerLocked()

	switch gr.Status {
	case domain.GroupStatusOK:
		ok, _, bytes := gr.Tally()
		fmt.Fprintf(p.w, "%s: %s copied=%d %s (%s)\n\n",
			gr.Kind, p.styles.ok.Render("ok"), ok, humanize.Bytes(uint64(bytes)), formatShortDuration(dur))
	case domain.GroupStatusPartial:
		ok, failed, bytes := gr.Tally()
		fmt.Fprintf(p.w, "%s: %s copied=%d failed=%d %s (%s)\n\n",
			gr.Kind, p.styles.warn.Render("partial"), ok, failed, humanize.Bytes(uint64(bytes)), formatShortDuration(dur))
	case domain.GroupStatusAborted:
		fmt.Fprintf(p.w, "%s: %s %s\n\n", gr.Kind, p.styles.warn.Render("aborted"), gr.ErrorMsg)
	default:
		if gr.ErrorCode != "" {
			fmt.Fprintf(p.w, "%s: %s %s: %s\n\n", gr.Kind, p.styles.fail.Render("failed"), gr.ErrorCode, truncate(gr.ErrorMsg, 200))
			break
		}
		_, failed, _ := gr.Tally()
		fmt.Fprintf(p.w, "%s: %s failed=%d (%s)\n\n", gr.Kind, p.styles.fail.Render("failed"), failed, formatShortDuration(dur))
	}
	p.lastPrinted = time.Now()
}

// Close 停止 keepalive ticker；可重复调用。
func (p *progressUI) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked()
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func (p *progressUI) printProgressLocked() {
	active := p.workers
	if remain := p.total - p.done; remain < active {
		active = remain
	}
	fmt.Fprintf(p.w, "进度: %s done=%d/%d ok=%d fail=%d active=%d copied=%s elapsed=%s\n",
		p.kind, p.done, p.total, p.ok, p.fail, active, humanize.Bytes(uint64(p.bytes)), formatElapsed(time.Since(p.startedAt)),
	)
	p.lastPrinted = time.Now()
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// truncate 按字节上限截断，切点回退到 rune 边界。
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	suffix := "..."
	if max <= len(suffix) {
		suffix = ""
	}
	cut := max - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
