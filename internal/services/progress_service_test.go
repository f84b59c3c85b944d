// internal/services/progress_service_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTrackerReturnsExisting(t *testing.T) {
	svc := NewProgressService()

	first := svc.CreateTracker("outline_1")
	second := svc.CreateTracker("outline_1")

	assert.Same(t, first, second, "同一任务ID应复用已有跟踪器")
	assert.Equal(t, "running", first.Status, "新建跟踪器应处于running状态")

	got, ok := svc.GetTracker("outline_1")
	require.True(t, ok, "应能按任务ID取回跟踪器")
	assert.Same(t, first, got, "取回的应是同一实例")

	_, ok = svc.GetTracker("不存在的任务")
	assert.False(t, ok, "未知任务不应命中")
}

func TestUpdateProgressMonotonic(t *testing.T) {
	svc := NewProgressService()
	tr := svc.CreateTracker("plan_1")

	tr.UpdateProgress(40, "分解子事件")
	tr.UpdateProgress(20, "过期的低进度")
	snap := tr.Snapshot()

	assert.Equal(t, 40, snap.Progress, "进度不应回退")
	assert.Equal(t, "过期的低进度", snap.Message, "消息应跟随最新一次更新")

	tr.UpdateProgress(75, "")
	snap = tr.Snapshot()
	assert.Equal(t, 75, snap.Progress, "更高的进度应被采纳")
	assert.Equal(t, "过期的低进度", snap.Message, "空消息不应覆盖原消息")
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	svc := NewProgressService()
	tr := svc.CreateTracker("write_1")
	tr.UpdateProgress(30, "生成第一章")

	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	select {
	case update := <-ch:
		assert.Equal(t, 30, update.Progress, "订阅后第一帧应是当前进度")
		assert.Equal(t, "生成第一章", update.Message, "订阅后第一帧应带当前消息")
	default:
		t.Fatal("订阅通道应立刻收到当前状态")
	}

	tr.UpdateProgress(60, "生成第二章")
	select {
	case update := <-ch:
		assert.Equal(t, 60, update.Progress, "后续更新应推送给订阅者")
	default:
		t.Fatal("更新后订阅者应收到新进度")
	}
}

func TestCompleteIsIdempotentAndFinal(t *testing.T) {
	svc := NewProgressService()
	tr := svc.CreateTracker("build_1")
	ch := tr.Subscribe()

	<-ch // 丢弃订阅回放的初始帧
	tr.Complete("")
	tr.Complete("第二次完成不应生效")
	tr.Fail("完成后的失败也不应生效")

	select {
	case <-tr.Done:
	default:
		t.Fatal("Complete后Done应已关闭")
	}

	snap := tr.Snapshot()
	assert.Equal(t, 100, snap.Progress, "完成后进度应为100")
	assert.Equal(t, "completed", snap.Status, "终态应保持completed")
	assert.Equal(t, "任务已完成", snap.Message, "空消息应落为默认完成文案")
	assert.True(t, snap.Terminal(), "completed应判定为终态")

	// 结束后的进度更新被丢弃
	tr.UpdateProgress(10, "迟到的更新")
	assert.Equal(t, 100, tr.Snapshot().Progress, "终态后进度不应再变化")
}

func TestFailKeepsProgress(t *testing.T) {
	svc := NewProgressService()
	tr := svc.CreateTracker("build_2")
	tr.UpdateProgress(55, "写到一半")

	tr.Fail("生成超时")
	snap := tr.Snapshot()

	assert.Equal(t, "failed", snap.Status, "失败后状态应为failed")
	assert.Equal(t, 55, snap.Progress, "失败应保留已到达的进度")
	assert.Contains(t, snap.Message, "生成超时", "失败消息应包含原因")
	assert.True(t, snap.Terminal(), "failed应判定为终态")
}

func TestRequestCancelLifecycle(t *testing.T) {
	svc := NewProgressService()
	tr := svc.CreateTracker("outline_2")

	assert.False(t, tr.RequestCancel(), "未绑定取消函数时应返回false")

	ctx, cancel := context.WithCancel(context.Background())
	tr.BindCancel(cancel)

	found, cancelled := svc.CancelTask("outline_2")
	assert.True(t, found, "任务存在时应命中")
	assert.True(t, cancelled, "绑定后取消应生效")
	assert.Error(t, ctx.Err(), "取消应传导到绑定的context")

	// 构建协程收到取消信号后自行收尾
	tr.Fail("构建已取消")
	assert.False(t, tr.RequestCancel(), "任务结束后取消应返回false")

	found, cancelled = svc.CancelTask("没有这个任务")
	assert.False(t, found, "未知任务不应命中")
	assert.False(t, cancelled, "未知任务不应发出取消")
}

func TestSlowSubscriberDoesNotBlockBroadcast(t *testing.T) {
	svc := NewProgressService()
	tr := svc.CreateTracker("plan_2")
	ch := tr.Subscribe() // 缓冲10条，含订阅回放的初始帧
	defer tr.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 30; i++ {
			tr.UpdateProgress(i, "推进")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("慢订阅者不应阻塞进度广播")
	}

	// 通道满后多余的帧被丢弃，但最终状态可从快照读到
	assert.Equal(t, 30, tr.Snapshot().Progress, "快照应反映最终进度")
}

func TestCleanupCompletedTasks(t *testing.T) {
	svc := NewProgressService()

	finished := svc.CreateTracker("old_done")
	finished.Complete("早已结束")
	finished.mu.Lock()
	finished.UpdateTime = time.Now().Add(-time.Hour)
	finished.mu.Unlock()

	fresh := svc.CreateTracker("fresh_done")
	fresh.Complete("刚刚结束")

	svc.CreateTracker("still_running")

	svc.CleanupCompletedTasks(30 * time.Minute)

	_, ok := svc.GetTracker("old_done")
	assert.False(t, ok, "闲置超龄的已结束任务应被清理")
	_, ok = svc.GetTracker("fresh_done")
	assert.True(t, ok, "刚结束的任务应保留")
	_, ok = svc.GetTracker("still_running")
	assert.True(t, ok, "运行中的任务不应被清理")
}
