package config

type AppConfig struct {
	Server   ServerConfig
	Realtime RealtimeConfig
	Log      LogConfig
}

func LoadApp() (AppConfig, error) {
	logCfg, err := LoadLog()
	if err != nil {
		return AppConfig{}, err
	}
	serverCfg, err := LoadServer()
	if err != nil {
		return AppConfig{}, err
	}
	rtCfg, err := LoadRealtime()
	if err != nil {
		return AppConfig{}, err
	}
	return AppConfig{
		Server:   serverCfg,
		Realtime: rtCfg,
		Log:      logCfg,
	}, nil
}
