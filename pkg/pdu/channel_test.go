package pdu

import (
	"bufio"
	"context"
	"io"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPrompt = regexp.MustCompile(`[>#]\s*$`)

const testSettle = 100 * time.Millisecond

func untilPrompt(lines []string) bool {
	return testPrompt.MatchString(lines[len(lines)-1])
}

func pipeChannel(t *testing.T, prompt *regexp.Regexp) (*channel, net.Conn) {
	t.Helper()
	client, device := net.Pipe()
	ch := newChannel(client, "\r\n", prompt, testSettle, nil)
	t.Cleanup(func() {
		ch.close()
		device.Close()
	})
	return ch, device
}

func TestChannel_ExchangeFraming(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)

	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 128)
		n, _ := device.Read(buf)
		received <- string(buf[:n])
		io.WriteString(device, "get X\r\n1|0\r\npdu> ")
	}()

	lines, err := ch.exchange(context.Background(), "get X", untilPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "get X\r\n", <-received)
	assert.Equal(t, []string{"get X", "1|0", "pdu> "}, lines)
}

func TestChannel_SplitAcrossReads(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)

	go func() {
		r := bufio.NewReader(device)
		r.ReadString('\n')
		for _, part := range []string{"EMA", "T08-", "10\r", "\n", "pd", "u> "} {
			io.WriteString(device, part)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	lines, err := ch.exchange(context.Background(), "get model", untilPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"EMAT08-10", "pdu> "}, lines)
}

func TestChannel_PromptLikeFragmentSplitAcrossReads(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)

	go func() {
		bufio.NewReader(device).ReadString('\n')
		io.WriteString(device, "a>")
		time.Sleep(5 * time.Millisecond)
		io.WriteString(device, "b\r\npdu> ")
	}()

	lines, err := ch.exchange(context.Background(), "get X", untilPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a>b", "pdu> "}, lines)
}

func TestChannel_Post(t *testing.T) {
	ch, device := pipeChannel(t, nil)

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(device).ReadString('\n')
		got <- line
	}()

	require.NoError(t, ch.post("exit"))
	assert.Equal(t, "exit\r\n", <-got)
}

func TestChannel_CollectUntilQuiet(t *testing.T) {
	t.Run("error line", func(t *testing.T) {
		ch, device := pipeChannel(t, nil)
		go func() {
			bufio.NewReader(device).ReadString('\n')
			time.Sleep(30 * time.Millisecond)
			io.WriteString(device, "Error: invalid outlet\r\n")
		}()

		lines, err := ch.exchange(context.Background(), "set A 1", nil, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"Error: invalid outlet"}, lines)
	})

	t.Run("silent", func(t *testing.T) {
		ch, device := pipeChannel(t, nil)
		go bufio.NewReader(device).ReadString('\n')

		start := time.Now()
		lines, err := ch.exchange(context.Background(), "set A 1", nil, time.Second)
		require.NoError(t, err)
		assert.Empty(t, lines)
		assert.GreaterOrEqual(t, time.Since(start), testSettle)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("chatter past timeout", func(t *testing.T) {
		ch, device := pipeChannel(t, nil)
		go func() {
			bufio.NewReader(device).ReadString('\n')
			for i := 0; i < 20; i++ {
				if _, err := io.WriteString(device, "noise\r\n"); err != nil {
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()

		_, err := ch.exchange(context.Background(), "set A 1", nil, 150*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestChannel_LateReplyDiscardedBeforeNextCommand(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)

	go func() {
		r := bufio.NewReader(device)
		r.ReadString('\n')
		time.Sleep(150 * time.Millisecond)
		io.WriteString(device, "1\r\npdu> ")
		r.ReadString('\n')
		io.WriteString(device, "0\r\npdu> ")
	}()

	_, err := ch.exchange(context.Background(), "get A", untilPrompt, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	lines, err := ch.exchange(context.Background(), "get B", untilPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "pdu> "}, lines)
}

func TestChannel_TimeoutThenStaleLinesDrained(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)
	r := bufio.NewReader(device)

	go func() {
		r.ReadString('\n')
	}()
	start := time.Now()
	_, err := ch.exchange(context.Background(), "slow", untilPrompt, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, ch.broken())

	// The late answer to the first command must not leak into the second.
	io.WriteString(device, "late\r\npdu> ")
	time.Sleep(50 * time.Millisecond)

	go func() {
		r.ReadString('\n')
		io.WriteString(device, "fresh\r\npdu> ")
	}()
	lines, err := ch.exchange(context.Background(), "fast", untilPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh", "pdu> "}, lines)
}

func TestChannel_ContextDeadline(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)
	go bufio.NewReader(device).ReadString('\n')

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ch.exchange(ctx, "slow", untilPrompt, 5*time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChannel_ContextCanceled(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)
	go bufio.NewReader(device).ReadString('\n')

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.exchange(ctx, "slow", untilPrompt, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestChannel_PeerClosed(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)

	go func() {
		bufio.NewReader(device).ReadString('\n')
		device.Close()
	}()
	_, err := ch.exchange(context.Background(), "get X", untilPrompt, time.Second)
	assert.ErrorIs(t, err, ErrIO)
	assert.True(t, ch.broken())

	_, err = ch.exchange(context.Background(), "get Y", untilPrompt, time.Second)
	assert.ErrorIs(t, err, ErrIO)
}

func TestChannel_ReplyBeforeHangup(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)

	go func() {
		bufio.NewReader(device).ReadString('\n')
		io.WriteString(device, "bye\r\npdu> ")
		device.Close()
	}()
	lines, err := ch.exchange(context.Background(), "get X", untilPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"bye", "pdu> "}, lines)
}

func TestChannel_Await(t *testing.T) {
	ch, device := pipeChannel(t, testPrompt)

	go io.WriteString(device, "Welcome\r\npdu# ")
	lines, err := ch.await(context.Background(), untilPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"Welcome", "pdu# "}, lines)
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	ch, _ := pipeChannel(t, nil)
	assert.NoError(t, ch.close())
	assert.NoError(t, ch.close())
}
