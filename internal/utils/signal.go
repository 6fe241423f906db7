package utils

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SetupCloseHandler 收到中断信号后执行一次 callback 并退出；callback 执行期间再次收到信号则立即退出
func SetupCloseHandler(callback func()) {
	c := make(chan os.Signal, 2)
	var once sync.Once

	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		go func() {
			<-c
			os.Exit(1)
		}()
		once.Do(callback)
		os.Exit(0)
	}()
}
