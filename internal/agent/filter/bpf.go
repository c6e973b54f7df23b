package filter

import (
	"fmt"

	"golang.org/x/net/bpf"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
)

// Options 描述要放行的帧。Port 为 0 时放行所有 IPv4/IPv6 帧；
// 非 0 时只放行源或目的端口等于 Port 的 IPv4 TCP/UDP 帧。
type Options struct {
	Port uint16
}

// Program 生成 classic BPF（cBPF）程序，假设链路层为 Ethernet。
func Program(opts Options) []bpf.Instruction {
	if opts.Port == 0 {
		return []bpf.Instruction{
			bpf.LoadAbsolute{Off: 12, Size: 2},                                // EtherType
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 2}, // IPv4 -> accept
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipTrue: 1}, // IPv6 -> accept
			bpf.RetConstant{Val: 0},                                           // drop
			bpf.RetConstant{Val: 0xFFFF},                                      // accept
		}
	}

	// IPv4 头部长度不固定（options），用 LoadMemShift 取 X = 4 * (ip[0] & 0x0f)，
	// 传输层端口位于 [14+X] 与 [14+X+2]。
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},                                // EtherType
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipFalse: 8}, // IPv4? 否则 drop
		bpf.LoadAbsolute{Off: 23, Size: 1},                                // IPv4 protocol
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipTrue: 1},              // TCP
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 17, SkipFalse: 5},            // UDP? 否则 drop
		bpf.LoadMemShift{Off: 14},                                         // X = 4*(ip[0]&0xf)
		bpf.LoadIndirect{Off: 14, Size: 2},                                // src port
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(opts.Port), SkipTrue: 3},
		bpf.LoadIndirect{Off: 16, Size: 2}, // dst port
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(opts.Port), SkipTrue: 1},
		bpf.RetConstant{Val: 0},      // drop
		bpf.RetConstant{Val: 0xFFFF}, // accept
	}
}

// Assemble 把程序组装成可以交给内核或 pcap 库的原始指令。
func Assemble(opts Options) ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(Program(opts))
	if err != nil {
		return nil, fmt.Errorf("组装 BPF 失败：%w", err)
	}
	return raw, nil
}

// Filter 在用户态 BPF 虚拟机中执行过滤，用于离线读取 pcap 文件。
type Filter struct {
	vm *bpf.VM
}

func New(opts Options) (*Filter, error) {
	vm, err := bpf.NewVM(Program(opts))
	if err != nil {
		return nil, fmt.Errorf("创建 BPF 虚拟机失败：%w", err)
	}
	return &Filter{vm: vm}, nil
}

// Match 对一个 Ethernet 帧求值；越界读取视为不匹配。
func (f *Filter) Match(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
