package checksum

import (
	"testing"

	"github.com/dominicusin/zfsro/internal/ondisk"
)

func TestFletcher2KnownVector(t *testing.T) {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(i)
	}
	got := fletcher2(buf)
	wantA0 := uint64(0x0706050403020100) + uint64(0x1716151413121110)
	wantA1 := uint64(0x0f0e0d0c0b0a0908) + uint64(0x1f1e1d1c1b1a1918)
	if got[0] != wantA0 || got[1] != wantA1 {
		t.Fatalf("fletcher2(%v) = %+v, want a0=%#x a1=%#x", buf, got, wantA0, wantA1)
	}
	// Two 16-byte steps: b0 = w0 + (w0+w2), b1 = w1 + (w1+w3).
	wantB0 := 2*uint64(0x0706050403020100) + uint64(0x1716151413121110)
	wantB1 := 2*uint64(0x0f0e0d0c0b0a0908) + uint64(0x1f1e1d1c1b1a1918)
	if got[2] != wantB0 || got[3] != wantB1 {
		t.Fatalf("fletcher2 running sums b0/b1 wrong after two steps: %+v, want b0=%#x b1=%#x", got, wantB0, wantB1)
	}
}

func TestVerifyOffAndInheritAlwaysPass(t *testing.T) {
	if !Verify(ondisk.ChecksumOff, []byte("anything"), Sum{1, 2, 3, 4}) {
		t.Fatalf("OFF checksum must always verify true")
	}
	if !Verify(ondisk.ChecksumInherit, nil, Sum{}) {
		t.Fatalf("INHERIT checksum must always verify true")
	}
}

func TestComputeUnknownAlgorithmRejected(t *testing.T) {
	if _, ok := Compute(0xff, []byte("x")); ok {
		t.Fatalf("expected unknown checksum algorithm to be rejected")
	}
}

func TestSHA256ByteSwapNonZero(t *testing.T) {
	s := sha256Sum([]byte("zfs"))
	var zero Sum
	if s == zero {
		t.Fatalf("sha256Sum returned all zeros")
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	buf := []byte("some block contents")
	sum, _ := Compute(ondisk.ChecksumFletcher4, buf)
	if !Verify(ondisk.ChecksumFletcher4, buf, sum) {
		t.Fatalf("expected matching fletcher4 sum to verify")
	}
	sum[0] ^= 1
	if Verify(ondisk.ChecksumFletcher4, buf, sum) {
		t.Fatalf("expected corrupted fletcher4 sum to fail verification")
	}
}
