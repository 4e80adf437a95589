package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/betbot/capgate/pkg/secretstore"
)

// 把 .env 里的 Capital 凭据导入加密的 badger 密钥库，
// 之后配置文件/环境变量里就不需要再出现明文凭据。
func main() {
	var (
		inPath    = flag.String("in", ".env", "输入 .env 文件路径")
		dbPath    = flag.String("badger", getenv("CAP_SECRET_DB", "data/secrets.badger"), "badger 密钥库路径")
		secretKey = flag.String("secret-key", getenv("CAP_SECRET_KEY", ""), "badger 加密 key（32 字节 base64/hex）")
	)
	flag.Parse()

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("必须提供加密 key：设置 CAP_SECRET_KEY 或传 -secret-key"))
	}

	kv, err := parseDotEnvFile(*inPath)
	if err != nil {
		fatal(err)
	}

	creds := secretstore.Credentials{
		APIKey:      kv["CAP_API_KEY"],
		Identifier:  kv["CAP_IDENTIFIER"],
		APIPassword: kv["CAP_API_PASSWORD"],
	}
	if creds.APIKey == "" || creds.Identifier == "" || creds.APIPassword == "" {
		fatal(fmt.Errorf("%s 缺少 CAP_API_KEY / CAP_IDENTIFIER / CAP_API_PASSWORD", *inPath))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
		ReadOnly:      false,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.PutCredentials(creds); err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stderr, "已导入凭据到 badger：%s\n", *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}

func parseDotEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		l := strings.TrimSpace(strings.TrimRight(line, "\r"))
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		if !strings.Contains(l, "=") {
			continue
		}
		parts := strings.SplitN(l, "=", 2)
		k := strings.TrimSpace(parts[0])
		v := strings.TrimSpace(parts[1])
		if k == "" {
			continue
		}
		// strip optional quotes
		if len(v) >= 2 && ((v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'')) {
			v = v[1 : len(v)-1]
		}
		out[k] = v
	}
	return out, nil
}
