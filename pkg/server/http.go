package server

import (
	"fmt"
	"net/http"

	"github.com/nm-morais/waterme/pkg/message"
)

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/moisture-temperature", s.readingHandler(message.FormatReading))
	mux.HandleFunc("/moisture", s.readingHandler(func(r message.Reading) string {
		return fmt.Sprint(r.Moisture)
	}))
	mux.HandleFunc("/temperature", s.readingHandler(func(r message.Reading) string {
		return fmt.Sprint(r.Temperature)
	}))
	return mux
}

func (s *Server) readingHandler(format func(message.Reading) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, format(s.Reading()))
		s.stats.served.Add(1)
		s.watchdog.MarkServing()
		s.requestRefresh()
	}
}
