package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"flowsentry/internal/agent/filter"
	"flowsentry/internal/codec"
	"flowsentry/pkg/model"
)

var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type Stats struct {
	Frames   int
	Filtered int
	Packets  int
}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReadPcapFile 是 ReadPcap 的文件版本。
func ReadPcapFile(ctx context.Context, path string, flt *filter.Filter, emit func(model.PacketDescriptor)) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("打开 pcap 失败：%w", err)
	}
	defer f.Close()
	return ReadPcap(ctx, f, flt, emit)
}

// ReadPcap 顺序读取 pcap 或 pcapng，把每个 IP 包转换成包描述符交给 emit。
// flt 只对 Ethernet 链路生效，可为 nil。
func ReadPcap(ctx context.Context, r io.Reader, flt *filter.Filter, emit func(model.PacketDescriptor)) (Stats, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return Stats{}, fmt.Errorf("读取文件头失败：%w", err)
	}

	var src packetSource
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return Stats{}, fmt.Errorf("解析 pcapng 失败：%w", err)
		}
		src = ng
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return Stats{}, fmt.Errorf("解析 pcap 失败：%w", err)
		}
		src = pr
	}

	linkType := src.LinkType()
	applyFilter := flt != nil && linkType == layers.LinkTypeEthernet

	var st Stats
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("读取第 %d 帧失败：%w", st.Frames+1, err)
		}
		st.Frames++

		if applyFilter && !flt.Match(data) {
			st.Filtered++
			continue
		}
		p, ok := Describe(data, linkType, ci)
		if !ok {
			st.Filtered++
			continue
		}
		st.Packets++
		emit(p)
	}
}

// Describe 解码一帧。非 IP 帧返回 false。
func Describe(data []byte, linkType layers.LinkType, ci gopacket.CaptureInfo) (model.PacketDescriptor, bool) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	p := model.PacketDescriptor{
		Timestamp: float64(ci.Timestamp.UnixNano()) / 1e9,
		FrameLen:  ci.Length,
	}
	if p.FrameLen == 0 {
		p.FrameLen = len(data)
	}

	var proto layers.IPProtocol
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip, _ := l.(*layers.IPv4)
		p.SrcAddr, p.DstAddr = ip.SrcIP.String(), ip.DstIP.String()
		proto = ip.Protocol
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip, _ := l.(*layers.IPv6)
		p.SrcAddr, p.DstAddr = ip.SrcIP.String(), ip.DstIP.String()
		proto = ip.NextHeader
	} else {
		return model.PacketDescriptor{}, false
	}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp, _ := l.(*layers.TCP)
		p.TCPSrcPort, p.TCPDstPort = int(tcp.SrcPort), int(tcp.DstPort)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp, _ := l.(*layers.UDP)
		p.UDPSrcPort, p.UDPDstPort = int(udp.SrcPort), int(udp.DstPort)
	}
	p.Protocol = codec.Decode(int(proto))
	return p, true
}
