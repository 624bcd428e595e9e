package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/sixzero/executor/convert"
	"github.com/brensch/sixzero/game"
	"github.com/rs/zerolog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ort "github.com/yalue/onnxruntime_go"
)

// ErrClientClosed is returned to callers whose request was not run before
// the client closed.
var ErrClientClosed = errors.New("onnx client closed")

var (
	onnxBatchItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sixzero_onnx_batch_items",
		Help:    "Boards merged into one ONNX Runtime session call.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"session"})
	onnxRunSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sixzero_onnx_run_seconds",
		Help:    "Duration of one ONNX Runtime session call.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"session"})
	onnxQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sixzero_onnx_queued_requests",
		Help: "Requests waiting for the batching loop.",
	}, []string{"session"})
)

const (
	InputSize  = convert.Features
	PolicySize = game.BoardCapacity
	ValueSize  = 1
)

const (
	DefaultBatchSize    = 128
	DefaultBatchTimeout = 1 * time.Millisecond
)

type OnnxClientConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	// UseCUDA appends the CUDA execution provider when it is available.
	UseCUDA bool
	Logger  zerolog.Logger
	// Session labels this client's metrics. Defaults to "0".
	Session string
}

// RuntimeStats summarizes the batching loop.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int
	AvgBatchSize  float64
	AvgRunMs      float64
}

type inferenceRequest struct {
	input    *[]float32
	count    int
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	policy []float32
	value  []float32
	err    error
}

// OnnxClient is an inference-only evaluator backed by ONNX Runtime.
//
// Requests from many engine workers are merged by a single batching goroutine
// and run as one session call. The model takes "input" [N, 1+S*S] (player
// feature then flattened board) and produces "policy" [N, S*S] and
// "value" [N, 1].
type OnnxClient struct {
	session      *ort.DynamicAdvancedSession
	requestsChan chan inferenceRequest
	done         chan struct{}
	// stopped is closed once batchLoop has answered every request and will
	// not touch the session again.
	stopped   chan struct{}
	closeOnce sync.Once
	cfg          OnnxClientConfig

	totalBatches  atomic.Int64
	totalItems    atomic.Int64
	totalRunNanos atomic.Int64
	lastBatchSize atomic.Int64
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxClient(modelPath string) (*OnnxClient, error) {
	return NewOnnxClientWithConfig(modelPath, OnnxClientConfig{BatchSize: DefaultBatchSize, BatchTimeout: DefaultBatchTimeout, Logger: zerolog.Nop()})
}

func NewOnnxClientWithConfig(modelPath string, cfg OnnxClientConfig) (*OnnxClient, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}

	if runtime.GOOS == "linux" {
		ensureLinuxLibraryPath()
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	inputs := []string{"input"}
	outputs := []string{"policy", "value"}

	// Many engine workers share this session; keep ORT's own pools small.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				cfg.Logger.Warn().Err(err).Msg("failed to append CUDA provider")
			} else {
				cfg.Logger.Info().Msg("CUDA provider enabled")
			}
		} else {
			cfg.Logger.Warn().Err(err).Msg("failed to create CUDA options")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	client := newClient(session, cfg)
	go client.batchLoop()

	return client, nil
}

func newClient(session *ort.DynamicAdvancedSession, cfg OnnxClientConfig) *OnnxClient {
	if cfg.Session == "" {
		cfg.Session = "0"
	}
	return &OnnxClient{
		session:      session,
		cfg:          cfg,
		requestsChan: make(chan inferenceRequest, cfg.BatchSize*2),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

func ensureLinuxLibraryPath() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	candidateDirs := []string{cwd}
	patterns := []string{
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "nvidia", "*", "lib"),
		filepath.Join(cwd, ".venv", "lib", "python*", "site-packages", "onnxruntime", "capi"),
	}
	for _, pat := range patterns {
		matches, _ := filepath.Glob(pat)
		candidateDirs = append(candidateDirs, matches...)
	}

	existing := os.Getenv("LD_LIBRARY_PATH")
	existingSet := map[string]bool{}
	for _, p := range strings.Split(existing, ":") {
		if p == "" {
			continue
		}
		existingSet[p] = true
	}

	toAdd := make([]string, 0, len(candidateDirs))
	for _, d := range candidateDirs {
		if existingSet[d] {
			continue
		}
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			toAdd = append(toAdd, d)
		}
	}
	if len(toAdd) == 0 {
		return
	}

	newVal := strings.Join(toAdd, ":")
	if existing != "" {
		newVal = newVal + ":" + existing
	}
	_ = os.Setenv("LD_LIBRARY_PATH", newVal)
}

// Reentrant reports that concurrent callers are merged by the batching loop.
func (c *OnnxClient) Reentrant() bool { return true }

func (c *OnnxClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.stopped
		if c.session != nil {
			err = c.session.Destroy()
		}
	})
	return err
}

func (c *OnnxClient) Stats() RuntimeStats {
	batches := c.totalBatches.Load()
	items := c.totalItems.Load()
	runNanos := c.totalRunNanos.Load()
	st := RuntimeStats{
		TotalBatches:  batches,
		TotalItems:    items,
		TotalRunNanos: runNanos,
		LastBatchSize: c.lastBatchSize.Load(),
		QueueLen:      len(c.requestsChan),
	}
	if batches > 0 {
		st.AvgBatchSize = float64(items) / float64(batches)
		st.AvgRunMs = (float64(runNanos) / 1e6) / float64(batches)
	}
	return st
}

// Evaluate implements Evaluator.
func (c *OnnxClient) Evaluate(player game.Player, boards []float32, count int, values, policies []float32) error {
	if count == 0 {
		return nil
	}
	input := convert.EncodeBatch(player, boards, count)

	respChan := make(chan inferenceResponse, 1)
	select {
	case c.requestsChan <- inferenceRequest{input: input, count: count, respChan: respChan}:
	case <-c.done:
		convert.PutFloatBuffer(input)
		return ErrClientClosed
	}

	var resp inferenceResponse
	select {
	case resp = <-respChan:
	case <-c.stopped:
		// The loop may have answered just before stopping.
		select {
		case resp = <-respChan:
		default:
			resp = inferenceResponse{err: ErrClientClosed}
		}
	}
	if resp.err != nil {
		return resp.err
	}
	copy(values, resp.value)
	copy(policies, resp.policy)
	return nil
}

func (c *OnnxClient) batchLoop() {
	defer close(c.stopped)
	queued := onnxQueued.WithLabelValues(c.cfg.Session)

	batchInput := make([]float32, 0, c.cfg.BatchSize*InputSize)
	requests := make([]inferenceRequest, 0, c.cfg.BatchSize)
	items := 0

	ticker := time.NewTicker(c.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		c.runBatch(requests, batchInput, items)
		requests = requests[:0]
		batchInput = batchInput[:0]
		items = 0
	}

	for {
		select {
		case <-c.done:
			c.failBatch(requests, ErrClientClosed)
			for {
				select {
				case req := <-c.requestsChan:
					convert.PutFloatBuffer(req.input)
					req.respChan <- inferenceResponse{err: ErrClientClosed}
				default:
					queued.Set(0)
					return
				}
			}
		case req := <-c.requestsChan:
			queued.Set(float64(len(c.requestsChan)))
			requests = append(requests, req)
			batchInput = append(batchInput, (*req.input)...)
			items += req.count
			convert.PutFloatBuffer(req.input)

			if items >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			if len(requests) > 0 {
				flush()
			}
		}
	}
}

func (c *OnnxClient) runBatch(requests []inferenceRequest, batchInput []float32, items int) {
	start := time.Now()
	n := int64(items)

	inputTensor, err := ort.NewTensor(ort.NewShape(n, InputSize), batchInput)
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, PolicySize))
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, ValueSize))
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer valueTensor.Destroy()

	if err := c.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		c.failBatch(requests, err)
		return
	}

	policyData := policyTensor.GetData()
	valueData := valueTensor.GetData()

	// Tensor memory is released by the deferred Destroy calls; every response
	// gets its own copy.
	offset := 0
	for _, req := range requests {
		policy := make([]float32, req.count*PolicySize)
		copy(policy, policyData[offset*PolicySize:(offset+req.count)*PolicySize])

		value := make([]float32, req.count*ValueSize)
		copy(value, valueData[offset*ValueSize:(offset+req.count)*ValueSize])

		req.respChan <- inferenceResponse{policy: policy, value: value}
		offset += req.count
	}

	took := time.Since(start)
	c.totalBatches.Add(1)
	c.totalItems.Add(n)
	c.totalRunNanos.Add(took.Nanoseconds())
	c.lastBatchSize.Store(n)
	onnxBatchItems.WithLabelValues(c.cfg.Session).Observe(float64(n))
	onnxRunSeconds.WithLabelValues(c.cfg.Session).Observe(took.Seconds())
}

func (c *OnnxClient) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}
