package remoteclient

import (
	"bytes"
	"crypto/md5"
	"io"
	"testing"
)

func TestCountingReaderReportsCumulativeProgress(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 4096)
	var calls [][2]int64
	cr := &countingReader{
		r: bytes.NewReader(data),
		progress: func(current, total int64) {
			calls = append(calls, [2]int64{current, total})
		},
	}
	buf := make([]byte, 512)
	var total int64
	for {
		n, err := cr.Read(buf)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("读取失败: %v", err)
		}
	}
	if total != int64(len(data)) {
		t.Fatalf("读取字节数不匹配: got %d want %d", total, len(data))
	}
	if len(calls) == 0 {
		t.Fatal("应至少报告一次进度")
	}
	if calls[len(calls)-1][0] != int64(len(data)) {
		t.Fatalf("最终进度应等于总字节数, got %d", calls[len(calls)-1][0])
	}
}

func TestMd5SumMatchesStdlib(t *testing.T) {
	data := []byte("hash-me")
	want := md5.Sum(data)
	got := md5Sum(data)
	if !bytes.Equal(want[:], got) {
		t.Fatal("md5Sum 应等于 crypto/md5 的计算结果")
	}
}
