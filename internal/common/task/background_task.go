package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan struct{}
}

// BackgroundTaskManager is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            *sync.WaitGroup
}

var (
	histogramsMu sync.Mutex
	histograms   = map[string]prometheus.Histogram{}
)

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		wg:            &sync.WaitGroup{},
	}
}

// Register runs backgroundTask now and then every interval until StopAll.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits up to timeout for them to return.
// Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
	m.tasks = nil
	return m.waitForShutdownCompletion(timeout)
}

// The histogram of a name is shared by every manager, as promauto registers it once.
func (m *BackgroundTaskManager) latencyHistogram(metricName string) prometheus.Histogram {
	name := m.metricsPrefix + metricName + "_latency_seconds"
	histogramsMu.Lock()
	defer histogramsMu.Unlock()
	if h, ok := histograms[name]; ok {
		return h
	}
	h := promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    name,
			Help:    "Background loop " + metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	histograms[name] = h
	return h
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	taskDurationHistogram := m.latencyHistogram(task.metricName)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := time.Now()
			task.function()
			taskDurationHistogram.Observe(time.Since(start).Seconds())

			select {
			case <-time.After(task.interval):
			case <-task.stopChannel:
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}
