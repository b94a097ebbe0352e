package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsPoller    int64
	errorsFeed      int64
	warnsPoller     int64
	warnsFeed       int64
	tickerReads     int64
	eventsPublished int64
	alertsFired     int64
	streams         sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "scheduler") || strings.Contains(component, "okx") {
		atomic.AddInt64(&warnsPoller, 1)
	} else if strings.Contains(component, "feed") || strings.Contains(component, "bus") {
		atomic.AddInt64(&warnsFeed, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "scheduler") || strings.Contains(component, "okx") {
		atomic.AddInt64(&errorsPoller, 1)
	} else if strings.Contains(component, "feed") || strings.Contains(component, "bus") {
		atomic.AddInt64(&errorsFeed, 1)
	}
}

// IncrementTickerRead records one ticker snapshot fetched from the exchange.
func IncrementTickerRead(size int) {
	atomic.AddInt64(&tickerReads, 1)
	recordStream("ticker_rest", size)
}

// IncrementEventPublished records one event handed to bus subscribers.
func IncrementEventPublished() {
	atomic.AddInt64(&eventsPublished, 1)
}

// IncrementAlertFired records one volume alert raised by the detector.
func IncrementAlertFired() {
	atomic.AddInt64(&alertsFired, 1)
}

// RecordStreamMessage accumulates per-stream message and byte counts for the
// periodic runtime report.
func RecordStreamMessage(name string, size int) {
	recordStream(name, size)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	cs := v.(*streamStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_poller":    atomic.LoadInt64(&errorsPoller),
		"errors_feed":      atomic.LoadInt64(&errorsFeed),
		"warns_poller":     atomic.LoadInt64(&warnsPoller),
		"warns_feed":       atomic.LoadInt64(&warnsFeed),
		"ticker_reads":     atomic.LoadInt64(&tickerReads),
		"events_published": atomic.LoadInt64(&eventsPublished),
		"alerts_fired":     atomic.LoadInt64(&alertsFired),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"streams":          streamData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPoller"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsPoller)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsFeed)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsPoller"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsPoller)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsFeed)))},
		cwtypes.MetricDatum{MetricName: aws.String("TickerReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&tickerReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsPublished)))},
		cwtypes.MetricDatum{MetricName: aws.String("AlertsFired"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&alertsFired)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
