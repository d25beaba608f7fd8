package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
	"github.com/rs/xid"
)

var (
	queueURL       string
	uploadsBucket  string
	region         string
	s3Endpoint     string
	sqsEndpoint    string
	numberOfImages int
	concurrency    int
	pngRatio       float64
	corruptRatio   float64
	sendTimeout    time.Duration
	currentPattern WorkloadPattern
)

func init() {
	queueURL = getEnv("REQUESTS_QUEUE_URL", "")
	uploadsBucket = getEnv("UPLOADS_BUCKET", "")
	if queueURL == "" || uploadsBucket == "" {
		fmt.Fprintf(os.Stderr, "ERROR: REQUESTS_QUEUE_URL and UPLOADS_BUCKET environment variables are required\n")
		os.Exit(1)
	}

	region = getEnv("AWS_REGION", "us-east-1")
	s3Endpoint = getEnv("S3_ENDPOINT", "")
	sqsEndpoint = getEnv("SQS_ENDPOINT", "")
	numberOfImages = getEnvInt("LOAD_TEST_IMAGES", 200)
	concurrency = getEnvInt("LOAD_TEST_CONCURRENCY", 10)
	pngRatio = getEnvFloat("LOAD_TEST_PNG_RATIO", 0.3)
	corruptRatio = getEnvFloat("LOAD_TEST_CORRUPT_RATIO", 0)
	sendTimeout = time.Duration(getEnvInt("LOAD_TEST_TIMEOUT_SECONDS", 30)) * time.Second
	currentPattern = WorkloadPattern(getEnv("LOAD_TEST_PATTERN", "wave"))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

type WorkloadPattern string

const (
	PatternSteady WorkloadPattern = "steady"
	PatternBurst  WorkloadPattern = "burst"
	PatternWave   WorkloadPattern = "wave"
)

// mirrors the worker's ProcessingRequest wire format
type processingRequest struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	ImageID string `json:"image_id"`
}

type Result struct {
	Success  bool
	Duration time.Duration
	Index    int
	Error    string
	Format   string
	Bytes    int
}

type model struct {
	spinner      spinner.Model
	progress     progress.Model
	totalImages  int
	sentImages   int
	successful   int
	failed       int
	jpegsSent    int
	pngsSent     int
	bytesSent    int64
	recentLogs   []logEntry
	errors       []string
	latencies    []time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	avgLatency   time.Duration
	throughput   float64
	startTime    time.Time
	currentTime  time.Time
	isComplete   bool
	width        int
	pattern      WorkloadPattern
	patternPhase string
}

type logEntry struct {
	timestamp time.Time
	message   string
	format    string
	success   bool
}

type tickMsg time.Time
type resultMsg Result
type completeMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			MarginBottom(1)

	configValueStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("117")).
				Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	jpegStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99"))

	pngStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("111"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2).
			MarginBottom(1)

	patternStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true)
)

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		totalImages:  numberOfImages,
		recentLogs:   make([]logEntry, 0, 20),
		startTime:    time.Now(),
		pattern:      currentPattern,
		patternPhase: "Initializing",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tickMsg:
		m.currentTime = time.Time(msg)
		if !m.isComplete {
			return m, tickCmd()
		}
		return m, nil

	case resultMsg:
		m.record(Result(msg))
		return m, nil

	case completeMsg:
		m.isComplete = true
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *model) record(r Result) {
	m.sentImages++
	m.latencies = append(m.latencies, r.Duration)

	if len(m.latencies) == 1 || r.Duration < m.minLatency {
		m.minLatency = r.Duration
	}
	if r.Duration > m.maxLatency {
		m.maxLatency = r.Duration
	}
	var total time.Duration
	for _, d := range m.latencies {
		total += d
	}
	m.avgLatency = total / time.Duration(len(m.latencies))

	m.patternPhase = getPatternPhase(m.pattern, float64(m.sentImages)/float64(m.totalImages))

	entry := logEntry{timestamp: time.Now(), format: r.Format, success: r.Success}
	if r.Success {
		m.successful++
		m.bytesSent += int64(r.Bytes)
		if r.Format == "png" {
			m.pngsSent++
		} else {
			m.jpegsSent++
		}
		entry.message = fmt.Sprintf("Image %d uploaded and enqueued (%s, %v)", r.Index, humanBytes(int64(r.Bytes)), r.Duration.Round(time.Millisecond))
	} else {
		m.failed++
		entry.message = fmt.Sprintf("Image %d failed: %s", r.Index, r.Error)
		m.errors = append([]string{fmt.Sprintf("[%s] %s", r.Format, r.Error)}, m.errors...)
		if len(m.errors) > 5 {
			m.errors = m.errors[:5]
		}
	}

	if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
		m.throughput = float64(m.successful) / elapsed
	}

	m.recentLogs = append([]logEntry{entry}, m.recentLogs...)
	if len(m.recentLogs) > 15 {
		m.recentLogs = m.recentLogs[:15]
	}
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Image Pipeline Load Generator") + "\n")

	progressPercent := float64(m.sentImages) / float64(max(m.totalImages, 1))
	progressText := fmt.Sprintf("Progress: %d/%d images (%.1f%%)", m.sentImages, m.totalImages, progressPercent*100)
	if !m.isComplete {
		progressText = m.spinner.View() + " " + progressText
	} else {
		progressText = "✓ " + progressText
	}
	b.WriteString(progressText + "\n")
	b.WriteString(m.progress.ViewAs(progressPercent) + "\n\n")

	b.WriteString(m.renderConfigPanel() + "\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.renderMetricsPanel(), m.renderStatsPanel()) + "\n")
	b.WriteString(m.renderPatternVisualization() + "\n")
	b.WriteString(m.renderLogPanel() + "\n")
	if len(m.errors) > 0 {
		b.WriteString(m.renderErrorPanel() + "\n")
	}

	if m.isComplete {
		b.WriteString(successStyle.Render("\n✓ Load test complete! Press 'q' to quit"))
	} else {
		b.WriteString(labelStyle.Render("\nPress 'q' to quit"))
	}
	return b.String()
}

func (m model) renderConfigPanel() string {
	displayQueueURL := queueURL
	if len(displayQueueURL) > 60 {
		displayQueueURL = "..." + displayQueueURL[len(displayQueueURL)-57:]
	}

	content := fmt.Sprintf(
		"%s\n"+
			"  %s %s\n"+
			"  %s %s\n"+
			"  %s %s\n"+
			"  %s %s\n"+
			"  %s %s",
		labelStyle.Render("Configuration:"),
		labelStyle.Render("Queue URL:"),
		configValueStyle.Render(displayQueueURL),
		labelStyle.Render("Uploads Bucket:"),
		configValueStyle.Render(uploadsBucket),
		labelStyle.Render("Workers:"),
		configValueStyle.Render(strconv.Itoa(concurrency)),
		labelStyle.Render("PNG / Corrupt:"),
		configValueStyle.Render(fmt.Sprintf("%.0f%% / %.0f%%", pngRatio*100, corruptRatio*100)),
		labelStyle.Render("Timeout:"),
		configValueStyle.Render(sendTimeout.String()),
	)
	return boxStyle.Width(84).Render(content)
}

func (m model) renderMetricsPanel() string {
	elapsed := m.currentTime.Sub(m.startTime)
	if elapsed <= 0 {
		elapsed = time.Since(m.startTime)
	}

	content := fmt.Sprintf(
		"%s %s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s\n\n"+
			"%s\n"+
			"  %s %s\n"+
			"  %s %s\n\n"+
			"%s %s\n"+
			"%s %s img/s",
		labelStyle.Render("Total Sent:"),
		valueStyle.Render(strconv.Itoa(m.sentImages)),
		labelStyle.Render("Successful:"),
		successStyle.Render(strconv.Itoa(m.successful)),
		labelStyle.Render("Failed:"),
		errorStyle.Render(strconv.Itoa(m.failed)),
		labelStyle.Render("Uploaded:"),
		valueStyle.Render(humanBytes(m.bytesSent)),
		labelStyle.Render("Formats:"),
		jpegStyle.Render("JPEG:"),
		valueStyle.Render(strconv.Itoa(m.jpegsSent)),
		pngStyle.Render("PNG:"),
		valueStyle.Render(strconv.Itoa(m.pngsSent)),
		labelStyle.Render("Elapsed:"),
		valueStyle.Render(elapsed.Round(time.Second).String()),
		labelStyle.Render("Throughput:"),
		valueStyle.Render(fmt.Sprintf("%.2f", m.throughput)),
	)
	return boxStyle.Width(40).Render(content)
}

func (m model) renderStatsPanel() string {
	minStr, maxStr, avgStr := "N/A", "N/A", "N/A"
	if len(m.latencies) > 0 {
		minStr = m.minLatency.Round(time.Millisecond).String()
		maxStr = m.maxLatency.Round(time.Millisecond).String()
		avgStr = m.avgLatency.Round(time.Millisecond).String()
	}

	content := fmt.Sprintf(
		"%s\n"+
			"%s %s\n"+
			"%s %s\n"+
			"%s %s\n\n"+
			"%s\n%s",
		labelStyle.Render("Upload + Enqueue Latency:"),
		labelStyle.Render("  Min:"),
		valueStyle.Render(minStr),
		labelStyle.Render("  Max:"),
		valueStyle.Render(maxStr),
		labelStyle.Render("  Avg:"),
		valueStyle.Render(avgStr),
		labelStyle.Render("Recent Latency Trend:"),
		m.renderLatencySparkline(),
	)
	return boxStyle.Width(40).Render(content)
}

func (m model) renderLatencySparkline() string {
	if len(m.latencies) == 0 {
		return labelStyle.Render("  No data yet...")
	}

	recent := m.latencies
	if len(recent) > 30 {
		recent = recent[len(recent)-30:]
	}

	lo, hi := recent[0], recent[0]
	for _, l := range recent {
		lo = min(lo, l)
		hi = max(hi, l)
	}

	bars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	var sparkline strings.Builder
	sparkline.WriteString("  ")
	for _, l := range recent {
		normalized := 0.5
		if hi > lo {
			normalized = float64(l-lo) / float64(hi-lo)
		}
		sparkline.WriteRune(bars[barIndex(normalized, len(bars))])
	}
	return valueStyle.Render(sparkline.String())
}

func (m model) renderPatternVisualization() string {
	current := float64(m.sentImages) / float64(max(m.totalImages, 1))
	bars := []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

	var viz strings.Builder
	const width = 60
	for i := 0; i < width; i++ {
		progress := float64(i) / width
		bar := string(bars[barIndex(patternIntensity(m.pattern, progress), len(bars))])
		if math.Abs(progress-current) < 0.02 {
			viz.WriteString(successStyle.Render(bar))
		} else {
			viz.WriteString(labelStyle.Render(bar))
		}
	}

	content := fmt.Sprintf("%s %s\n%s %s\n\n%s",
		labelStyle.Render("Workload Pattern:"),
		patternStyle.Render(string(m.pattern)),
		labelStyle.Render("Phase:"),
		valueStyle.Render(m.patternPhase),
		viz.String(),
	)
	return boxStyle.Width(84).Render(content)
}

func (m model) renderLogPanel() string {
	var logs strings.Builder
	logs.WriteString(labelStyle.Render("Recent Activity:") + "\n\n")

	if len(m.recentLogs) == 0 {
		logs.WriteString(labelStyle.Render("  No activity yet..."))
		return boxStyle.Width(84).Render(logs.String())
	}

	for i, entry := range m.recentLogs {
		if i >= 10 {
			break
		}
		style, icon := successStyle, "✓"
		if !entry.success {
			style, icon = errorStyle, "✗"
		}
		format := jpegStyle.Render("JPG")
		if entry.format == "png" {
			format = pngStyle.Render("PNG")
		}
		logs.WriteString(fmt.Sprintf("  %s %s %s %s\n",
			labelStyle.Render(entry.timestamp.Format("15:04:05.000")),
			format,
			style.Render(icon),
			entry.message,
		))
	}
	return boxStyle.Width(84).Render(logs.String())
}

func (m model) renderErrorPanel() string {
	var errorList strings.Builder
	errorList.WriteString(errorStyle.Render("⚠ Recent Errors:") + "\n\n")
	for _, err := range m.errors {
		errorList.WriteString(fmt.Sprintf("  %s %s\n", errorStyle.Render("•"), err))
	}
	return boxStyle.Width(84).Render(errorList.String())
}

func barIndex(intensity float64, n int) int {
	idx := int(intensity * float64(n-1))
	return min(max(idx, 0), n-1)
}

func inBurst(progress float64) bool {
	return progress < 0.3 || (progress > 0.5 && progress < 0.6) || (progress > 0.8 && progress < 0.9)
}

func patternIntensity(pattern WorkloadPattern, progress float64) float64 {
	switch pattern {
	case PatternBurst:
		if inBurst(progress) {
			return 0.9
		}
		return 0.3
	case PatternWave:
		return (1 + math.Sin(progress*6*math.Pi)) / 2
	default:
		return 0.5
	}
}

func getPatternPhase(pattern WorkloadPattern, progress float64) string {
	switch pattern {
	case PatternBurst:
		if inBurst(progress) {
			return "BURST - High Volume"
		}
		return "Normal - Steady Flow"
	case PatternWave:
		sineValue := math.Sin(progress * 6 * math.Pi)
		if sineValue > 0.5 {
			return "Peak - High Activity"
		} else if sineValue < -0.5 {
			return "Valley - Low Activity"
		}
		return "Transitioning"
	case PatternSteady:
		return "Steady - Constant Rate"
	default:
		return "Unknown"
	}
}

func getUploadDelay(pattern WorkloadPattern, index, total int, rng *rand.Rand) time.Duration {
	progress := float64(index) / float64(total)
	switch pattern {
	case PatternSteady:
		return time.Duration(10+rng.Intn(5)) * time.Millisecond
	case PatternBurst:
		if inBurst(progress) {
			return time.Duration(rng.Intn(5)) * time.Millisecond
		}
		return time.Duration(50+rng.Intn(100)) * time.Millisecond
	case PatternWave:
		baseDelay := 5 + int((1-patternIntensity(pattern, progress))*195)
		return time.Duration(baseDelay+rng.Intn(10)) * time.Millisecond
	default:
		return 10 * time.Millisecond
	}
}

// larger images during peaks put more pressure on the transform stage
func getImageSide(pattern WorkloadPattern, index, total int, rng *rand.Rand) int {
	intensity := patternIntensity(pattern, float64(index)/float64(total))
	return 64 + int(intensity*960) + rng.Intn(64)
}

func generateImage(rng *rand.Rand, side int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, side, side))
	base := color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: base.R + uint8(x*255/side),
				G: base.G + uint8(y*255/side),
				B: base.B,
				A: 255,
			})
		}
	}
	return img
}

// encodeImage returns the bytes to upload along with the key extension and content type.
func encodeImage(rng *rand.Rand, img image.Image) ([]byte, string, string, error) {
	format, ext, contentType := imaging.JPEG, ".jpg", "image/jpeg"
	if rng.Float64() < pngRatio {
		format, ext, contentType = imaging.PNG, ".png", "image/png"
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, "", "", err
	}
	data := buf.Bytes()

	// truncated payloads exercise the worker's permanent failure path
	if rng.Float64() < corruptRatio {
		data = data[:len(data)/4]
	}
	return data, ext, contentType, nil
}

type sender struct {
	s3  *s3.Client
	sqs *sqs.Client
}

func (s *sender) send(ctx context.Context, rng *rand.Rand, index int) Result {
	img := generateImage(rng, getImageSide(currentPattern, index, numberOfImages, rng))
	data, ext, contentType, err := encodeImage(rng, img)
	format := strings.TrimPrefix(ext, ".")
	if format == "jpg" {
		format = "jpeg"
	}
	if err != nil {
		return Result{Index: index, Format: format, Error: fmt.Sprintf("encode error: %v", err)}
	}

	imageID := xid.New().String()
	req := processingRequest{Bucket: uploadsBucket, Key: imageID + ext, ImageID: imageID}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Index: index, Format: format, Error: fmt.Sprintf("JSON marshal error: %v", err)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	start := time.Now()
	_, err = s.s3.PutObject(sendCtx, &s3.PutObjectInput{
		Bucket:      aws.String(req.Bucket),
		Key:         aws.String(req.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Result{Index: index, Format: format, Duration: time.Since(start), Error: fmt.Sprintf("upload: %v", err)}
	}

	_, err = s.sqs.SendMessage(sendCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	duration := time.Since(start)
	if err != nil {
		return Result{Index: index, Format: format, Duration: duration, Error: fmt.Sprintf("enqueue: %v", err)}
	}

	return Result{Success: true, Index: index, Format: format, Duration: duration, Bytes: len(data)}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newSender(ctx context.Context) (*sender, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s3Endpoint != "" {
			o.BaseEndpoint = aws.String(s3Endpoint)
			o.UsePathStyle = true
		}
	})
	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if sqsEndpoint != "" {
			o.BaseEndpoint = aws.String(sqsEndpoint)
		}
	})
	return &sender{s3: s3Client, sqs: sqsClient}, nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	s, err := newSender(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Unable to load SDK config: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(initialModel(), tea.WithAltScreen())

	results := make(chan Result, numberOfImages)
	jobs := make(chan int, numberOfImages)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			for {
				select {
				case index, ok := <-jobs:
					if !ok {
						return
					}
					time.Sleep(getUploadDelay(currentPattern, index, numberOfImages, rng))
					results <- s.send(ctx, rng, index)
				case <-ctx.Done():
					return
				}
			}
		}(w)
	}

	go func() {
		defer close(jobs)
		for i := 1; i <= numberOfImages; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		for result := range results {
			p.Send(resultMsg(result))
		}
		p.Send(completeMsg{})
	}()

	go func() {
		<-sigChan
		cancel()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}
