// Package ssdp is the LAN Discovery component: it answers unicast
// M-SEARCH queries and periodically announces the device over the SSDP
// multicast group, so Plex's tuner auto-discovery finds tunerd without
// manual configuration.
package ssdp

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	defaultMulticastAddr = "239.255.255.250:1900"
	searchTarget         = "urn:schemas-upnp-org:device:MediaServer:1"
)

// DeviceInfo is the subset of device identity SSDP advertises.
type DeviceInfo struct {
	DeviceID       string
	AdvertisedHost string
	Port           int
}

// Responder runs the M-SEARCH/NOTIFY loop.
type Responder struct {
	Device           func() DeviceInfo
	MulticastAddr    string
	AnnounceInterval time.Duration

	mu      sync.Mutex
	conn    *net.UDPConn
	stop    chan struct{}
	stopped chan struct{}
}

// New returns a Responder with the standard multicast address and a
// 30-second announce interval.
func New(device func() DeviceInfo) *Responder {
	return &Responder{
		Device:           device,
		MulticastAddr:    defaultMulticastAddr,
		AnnounceInterval: 30 * time.Second,
	}
}

// Start joins the multicast group, begins answering M-SEARCH requests,
// and starts the periodic NOTIFY announcement loop. It returns once the
// listening socket is bound; the loops run in background goroutines.
func (r *Responder) Start() error {
	addr := r.MulticastAddr
	if addr == "" {
		addr = defaultMulticastAddr
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("ssdp: resolve multicast address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("ssdp: join multicast group: %w", err)
	}
	conn.SetReadBuffer(4096)

	r.mu.Lock()
	r.conn = conn
	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	go r.listen(conn)
	go r.announceLoop(udpAddr)
	return nil
}

// Stop closes the multicast socket and stops the announce loop.
func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return
	}
	close(r.stop)
	r.conn.Close()
	<-r.stopped
	r.conn = nil
}

// UpdateAdvertisedHost stores nothing and changes nothing itself:
// announcements and M-SEARCH responses take their host from Device() on
// every send, so the new host is advertised once Device() returns it.
func (r *Responder) UpdateAdvertisedHost(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Device() already reads the live settings snapshot; nothing to
	// cache here beyond letting the next announcement pick it up.
	_ = host
}

// RefreshDevice forces an immediate NOTIFY announcement, used after a
// settings change affecting the device descriptor.
func (r *Responder) RefreshDevice() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.notify(conn, mustResolve(r.MulticastAddr))
}

func (r *Responder) listen(conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
				continue
			}
		}
		msg := string(buf[:n])
		if !strings.HasPrefix(msg, "M-SEARCH") {
			continue
		}
		go r.respondSearch(src)
	}
}

func (r *Responder) respondSearch(dst *net.UDPAddr) {
	d := r.Device()
	resp := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\n"+
			"CACHE-CONTROL: max-age=1800\r\n"+
			"ST: %s\r\n"+
			"USN: uuid:%s::%s\r\n"+
			"LOCATION: http://%s:%d/device.xml\r\n"+
			"SERVER: tunerd/1.0 UPnP/1.0\r\n"+
			"\r\n",
		searchTarget, d.DeviceID, searchTarget, d.AdvertisedHost, d.Port)

	conn, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		log.Printf("ssdp: unicast reply dial failed dst=%s err=%v", dst, err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(resp)); err != nil {
		log.Printf("ssdp: unicast reply write failed dst=%s err=%v", dst, err)
	}
}

func (r *Responder) announceLoop(group *net.UDPAddr) {
	defer close(r.stopped)
	interval := r.AnnounceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	r.notify(conn, group)
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.notify(conn, group)
		}
	}
}

func (r *Responder) notify(conn *net.UDPConn, group *net.UDPAddr) {
	if conn == nil {
		return
	}
	d := r.Device()
	msg := fmt.Sprintf(
		"NOTIFY * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"CACHE-CONTROL: max-age=1800\r\n"+
			"LOCATION: http://%s:%d/device.xml\r\n"+
			"NT: %s\r\n"+
			"NTS: ssdp:alive\r\n"+
			"USN: uuid:%s::%s\r\n"+
			"SERVER: tunerd/1.0 UPnP/1.0\r\n"+
			"\r\n",
		group.String(), d.AdvertisedHost, d.Port, searchTarget, d.DeviceID, searchTarget)

	out, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		log.Printf("ssdp: notify dial failed err=%v", err)
		return
	}
	defer out.Close()
	if _, err := out.Write([]byte(msg)); err != nil {
		log.Printf("ssdp: notify write failed err=%v", err)
	}
}

func mustResolve(addr string) *net.UDPAddr {
	if addr == "" {
		addr = defaultMulticastAddr
	}
	a, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return &net.UDPAddr{}
	}
	return a
}
