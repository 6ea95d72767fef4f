/*
Package capture opens link-layer packet sources (libpcap, AF_PACKET,
raw mmap sockets, pcap files, VXLAN tunnels) and runs the per-interface
event loops the tap layer attaches to.

A Source goes through a staged lifecycle so callers can roll back
cleanly when any stage fails:

	src, err := capture.NewSource(ifname, engine, opts)
	if err != nil {
		// nothing to undo
	}
	if err = src.Configure(promisc, cdom); err != nil {
		src.Close()
	}
	if err = src.Activate(filter); err != nil {
		src.Close()
	}

A Worker owns one interface. Every callback registered with it runs on
its single loop goroutine, so taps on the same interface never race
with each other:

	w := capture.NewWorker(ifname, cdom, promisc)
	reg, err := w.Register("tap0", onPacket, onTick)
	reg.Start(src)
	w.Start()
	w.Join()
*/
package capture
