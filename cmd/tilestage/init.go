package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/tilestage/internal/config"
)

func newInitCmd(s streams) *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "生成默认配置文件（默认 ./tilestage.yaml，已存在则不覆盖）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigName
			if len(args) == 1 {
				path = args[0]
			}
			if fi, err := os.Stat(path); err == nil && fi.IsDir() {
				path = filepath.Join(path, config.DefaultConfigName)
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return &exitError{code: 1, err: err}
			}

			if err := config.WriteDefault(abs); err != nil {
				if errors.Is(err, os.ErrExist) {
					fmt.Fprintf(s.err, "配置文件已存在，不覆盖：%s\n", abs)
				} else {
					fmt.Fprintf(s.err, "写入配置文件失败：%v\n", err)
				}
				return &exitError{code: 1, err: err}
			}
			fmt.Fprintf(s.err, "已创建：%s\n", abs)
			return nil
		},
	}
}
