//go:build integration

package integration

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/packline/brokerd/internal/config"
	"github.com/packline/brokerd/internal/daemon"
	"github.com/packline/brokerd/internal/domain"
	"github.com/packline/brokerd/internal/infra"
	"github.com/packline/brokerd/test/fixtures"
)

// mqttConnect is a minimal MQTT 3.1.1 CONNECT with client id "line-1".
var mqttConnect = []byte{
	0x10, 0x12,
	0x00, 0x04, 'M', 'Q', 'T', 'T',
	0x04, 0x02, 0x00, 0x3C,
	0x00, 0x06, 'l', 'i', 'n', 'e', '-', '1',
}

func loopbackConfig(dir string, defaultPort int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Broker.DefaultPort = defaultPort
	cfg.Broker.BindAddress = domain.LoopbackAddress
	cfg.Broker.PortScanWindow = 10
	cfg.Probe.Enabled = false
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.PerAttemptDelay = 50 * time.Millisecond
	cfg.Release.SettleDelay = 100 * time.Millisecond
	cfg.Supervision.Interval = 100 * time.Millisecond
	cfg.Log.Dir = filepath.Join(dir, "logs")
	cfg.Journal.Dir = filepath.Join(dir, "data")
	cfg.Endpoint.Path = filepath.Join(dir, "data", "endpoint.json")
	return cfg
}

func connectClient(port int) net.Conn {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(domain.LoopbackAddress, strconv.Itoa(port)), time.Second)
	Expect(err).NotTo(HaveOccurred())
	_, err = conn.Write(mqttConnect)
	Expect(err).NotTo(HaveOccurred())

	connack := make([]byte, 4)
	Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
	_, err = io.ReadFull(conn, connack)
	Expect(err).NotTo(HaveOccurred())
	Expect(connack).To(Equal([]byte{0x20, 0x02, 0x00, 0x00}))
	return conn
}

var _ = Describe("Broker lifecycle", func() {
	var (
		dir         string
		defaultPort int
		host        *daemon.Host
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		defaultPort, err = fixtures.FreePort()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if host != nil {
			host.Controller().StopAsync()
			Expect(host.Close()).To(Succeed())
			host = nil
		}
	})

	newHost := func(cfg *config.Config) *daemon.Host {
		h, err := daemon.NewHost(cfg, zap.NewNop(), daemon.Deps{})
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	Context("when the default port is free", func() {
		It("serves MQTT clients on the default port", func() {
			host = newHost(loopbackConfig(dir, defaultPort))

			Expect(host.Controller().StartAsync()).To(BeTrue())
			Expect(host.Controller().Status()).To(Equal(domain.StateRunning))
			Expect(host.Controller().Port()).To(Equal(defaultPort))

			conn := connectClient(defaultPort)
			defer conn.Close()

			Eventually(func() []string {
				var ids []string
				for _, c := range host.Controller().GetConnectedClients() {
					ids = append(ids, c.ID)
				}
				return ids
			}).WithTimeout(2 * time.Second).Should(ConsistOf("line-1"))
		})

		It("publishes and clears the endpoint file", func() {
			cfg := loopbackConfig(dir, defaultPort)
			host = newHost(cfg)
			Expect(host.Controller().StartAsync()).To(BeTrue())

			ep, err := infra.NewEndpointFile(cfg.Endpoint.Path).Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(ep).NotTo(BeNil())
			Expect(ep.Port).To(Equal(defaultPort))

			Expect(host.Controller().StopAsync()).To(BeTrue())
			ep, err = infra.NewEndpointFile(cfg.Endpoint.Path).Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(ep).To(BeNil())
		})
	})

	Context("when this process already holds the default port", func() {
		It("never terminates itself and moves to the next free port", func() {
			hold, err := fixtures.HoldPort(defaultPort)
			Expect(err).NotTo(HaveOccurred())
			defer hold.Close()

			host = newHost(loopbackConfig(dir, defaultPort))
			Expect(host.Controller().StartAsync()).To(BeTrue())
			Expect(host.Controller().Port()).To(BeNumerically(">", defaultPort))
			Expect(host.Controller().Port()).To(BeNumerically("<", defaultPort+10))
		})
	})

	Context("when release is disabled and the default port is taken", func() {
		It("scans for the next free port", func() {
			hold, err := fixtures.HoldPort(defaultPort)
			Expect(err).NotTo(HaveOccurred())
			defer hold.Close()

			cfg := loopbackConfig(dir, defaultPort)
			cfg.Release.Enabled = false
			host = newHost(cfg)

			Expect(host.Controller().StartAsync()).To(BeTrue())
			Expect(host.Controller().Port()).NotTo(Equal(defaultPort))
		})
	})

	Context("when another process holds the default port", func() {
		BeforeEach(func() {
			if runtime.GOOS == "windows" {
				Skip("hog process relies on POSIX signals")
			}
		})

		It("terminates the holder and binds the default port", func() {
			hog, err := fixtures.StartHogProcess(defaultPort)
			Expect(err).NotTo(HaveOccurred())
			defer hog.Kill()

			host = newHost(loopbackConfig(dir, defaultPort))
			Expect(host.Controller().StartAsync()).To(BeTrue())

			Expect(hog.Exited(5 * time.Second)).To(BeTrue())
			Expect(host.Controller().Port()).To(Equal(defaultPort))
		})
	})

	Context("under supervision", func() {
		It("restarts the broker after it stops and stops it on exit", func() {
			cfg := loopbackConfig(dir, defaultPort)
			host = newHost(cfg)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- host.Run(ctx) }()

			Eventually(host.Controller().IsRunning).WithTimeout(3 * time.Second).Should(BeTrue())
			Expect(host.Controller().StopAsync()).To(BeTrue())
			Eventually(host.Controller().IsRunning).WithTimeout(3 * time.Second).Should(BeTrue())

			cancel()
			Eventually(done).WithTimeout(3 * time.Second).Should(Receive(BeNil()))
			Expect(host.Controller().Status()).To(Equal(domain.StateStopped))

			entries, err := host.Journal().Recent(50)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(entries)).To(BeNumerically(">=", 6))
		})
	})
})
